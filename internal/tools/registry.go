// Package tools maps model-issued function calls to local handlers.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownTool is returned when no definition is registered under a name.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when call arguments are not a JSON
	// object or miss a required field.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("tool handler panicked")
)

// Handler executes a tool against the session-scoped target.
type Handler[T any] func(ctx context.Context, target T, args Arguments) (Result, error)

// Definition is a tool registered once at startup.
type Definition[T any] struct {
	Name        string
	Description string
	Parameters  Parameters
	Handler     Handler[T]
}

// Schema returns the wire description advertised to the model.
func (d Definition[T]) Schema() Schema {
	params := d.Parameters
	if params.Type == "" {
		params.Type = "object"
	}
	if params.Properties == nil {
		params.Properties = map[string]Property{}
	}
	return Schema{
		Type:        "function",
		Name:        d.Name,
		Description: d.Description,
		Parameters:  params,
	}
}

// Registry holds tool definitions in registration order. It is filled at
// startup and read concurrently by every relay afterwards.
type Registry[T any] struct {
	mu    sync.RWMutex
	order []string
	defs  map[string]Definition[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{defs: make(map[string]Definition[T])}
}

// Register adds def. Registering an existing name replaces the definition
// in place and keeps its position.
func (r *Registry[T]) Register(def Definition[T]) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry[T]) Get(name string) (Definition[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Len returns the number of registered tools.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Names returns tool names in registration order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas returns every tool schema in registration order.
func (r *Registry[T]) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name].Schema())
	}
	return out
}

// ToolChoice is "auto" when at least one tool is registered, else "none".
func (r *Registry[T]) ToolChoice() string {
	if r.Len() > 0 {
		return "auto"
	}
	return "none"
}

// Dispatch parses rawArgs, checks required fields and runs the named
// handler against target. Handler panics are converted to ErrHandlerPanic.
func (r *Registry[T]) Dispatch(ctx context.Context, name string, target T, rawArgs string) (res Result, err error) {
	def, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args, err := ParseArguments(rawArgs)
	if err != nil {
		return Result{}, err
	}
	for _, field := range def.Parameters.Required {
		if v, ok := args[field]; !ok || v == nil {
			return Result{}, fmt.Errorf("%w: missing required field %q", ErrInvalidArguments, field)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return def.Handler(ctx, target, args)
}

// Arguments is a decoded call argument object.
type Arguments map[string]any

// ParseArguments decodes a JSON object. Empty input yields no arguments.
func ParseArguments(raw string) (Arguments, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return Arguments{}, nil
	}
	var args Arguments
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}
	return args, nil
}

// String returns the string value of key, or "" when absent or not a string.
func (a Arguments) String(key string) string {
	s, _ := a[key].(string)
	return s
}
