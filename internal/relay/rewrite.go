package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/jobtalk/internal/config"
	"github.com/ashureev/jobtalk/internal/tools"
)

// sessionPolicy is the session configuration the server enforces. The
// client and the backend defaults never win over it.
type sessionPolicy struct {
	settings   config.SessionSettings
	tools      []tools.Schema
	toolChoice string
}

// object is a JSON object whose values stay raw, so fields the relay does
// not touch are never re-typed.
type object map[string]json.RawMessage

func decodeObject(raw json.RawMessage) (object, error) {
	obj := object{}
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return obj, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = object{}
	}
	return obj, nil
}

func (o object) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	o[key] = data
	return nil
}

// patchSession decodes the session field of event, lets fn modify it and
// re-encodes the event. A session field that is not an object is replaced
// by a fresh one, so the server settings apply whatever the sender put
// there. Only an undecodable event is an error.
func patchSession(data []byte, fn func(object) error) ([]byte, error) {
	ev, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	sess, err := decodeObject(ev["session"])
	if err != nil {
		sess = object{}
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := ev.set("session", sess); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// rewriteSessionCreated replaces the announced session's instructions,
// tools and voice with the server's.
func (p *sessionPolicy) rewriteSessionCreated(data []byte) ([]byte, error) {
	return patchSession(data, func(sess object) error {
		w := &objectWriter{obj: sess}
		w.set("instructions", p.settings.Instructions)
		w.set("tools", p.tools)
		w.set("voice", p.settings.Voice)
		w.set("tool_choice", p.toolChoice)
		if p.settings.MaxTokens != nil {
			w.set("max_response_output_tokens", *p.settings.MaxTokens)
		}
		return w.err
	})
}

// rewriteSessionUpdate applies the server's settings over a client
// session.update. Tools and tool_choice are always replaced.
func (p *sessionPolicy) rewriteSessionUpdate(data []byte) ([]byte, error) {
	return patchSession(data, func(sess object) error {
		w := &objectWriter{obj: sess}
		if p.settings.Instructions != "" {
			w.set("instructions", p.settings.Instructions)
		}
		if p.settings.Temperature != nil {
			w.set("temperature", *p.settings.Temperature)
		}
		if p.settings.MaxTokens != nil {
			w.set("max_response_output_tokens", *p.settings.MaxTokens)
		}
		if p.settings.DisableAudio != nil {
			w.set("disable_audio", *p.settings.DisableAudio)
		}
		if p.settings.Voice != "" {
			w.set("voice", p.settings.Voice)
		}
		w.set("tool_choice", p.toolChoice)
		w.set("tools", p.tools)
		return w.err
	})
}

// objectWriter sets fields until the first error.
type objectWriter struct {
	obj object
	err error
}

func (w *objectWriter) set(key string, v any) {
	if w.err == nil {
		w.err = w.obj.set(key, v)
	}
}

// stripFunctionCalls removes function_call items from a response.done
// output list. It reports whether anything was removed.
func stripFunctionCalls(data []byte) ([]byte, bool, error) {
	ev, err := decodeObject(data)
	if err != nil {
		return nil, false, err
	}
	resp, err := decodeObject(ev["response"])
	if err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	rawOutput, ok := resp["output"]
	if !ok {
		return data, false, nil
	}

	var output []json.RawMessage
	if err := json.Unmarshal(rawOutput, &output); err != nil {
		// Not a list; nothing to strip.
		return data, false, nil
	}

	kept := make([]json.RawMessage, 0, len(output))
	for _, raw := range output {
		var it header
		if err := json.Unmarshal(raw, &it); err == nil && it.Type == itemFunctionCall {
			continue
		}
		kept = append(kept, raw)
	}
	if len(kept) == len(output) {
		return data, false, nil
	}

	if err := resp.set("output", kept); err != nil {
		return nil, false, err
	}
	if err := ev.set("response", resp); err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
