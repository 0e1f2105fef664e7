package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// mergeFile overlays non-empty fields from a YAML file onto s.
func (s *SessionSettings) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var overlay SessionSettings
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if overlay.Instructions != "" {
		s.Instructions = overlay.Instructions
	}
	if overlay.Voice != "" {
		s.Voice = overlay.Voice
	}
	if overlay.Temperature != nil {
		s.Temperature = overlay.Temperature
	}
	if overlay.MaxTokens != nil {
		s.MaxTokens = overlay.MaxTokens
	}
	if overlay.DisableAudio != nil {
		s.DisableAudio = overlay.DisableAudio
	}
	return nil
}
