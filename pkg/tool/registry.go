// Package tool is the registry of named, schema-validated capabilities a
// run may invoke. Polymorphism is over the Handler function type: anything
// satisfying (ctx, args) -> result can be registered, no hierarchy needed.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// maxOutputBytes caps tool output fed back into model context
const maxOutputBytes = 10 * 1024

// Parameter describes one argument of a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler executes a tool call. Handlers must be stateless: pure functions
// of their validated arguments and context, no shared mutable state.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition declares a tool's contract
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Enabled     bool        `json:"enabled"`
	Handler     Handler     `json:"-"`
}

// Handle is a resolved, invocable tool
type Handle struct {
	def    *Definition
	schema *gojsonschema.Schema
}

// Name returns the tool's registered name
func (h *Handle) Name() string {
	return h.def.Name
}

// Result carries a successful invocation's output
type Result struct {
	Output    interface{}   `json:"output"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Registry holds registered tools. Read-mostly, safe for use across runs.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty tool registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register validates a definition, compiles its argument schema and adds it
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Info().Str("tool", def.Name).Bool("enabled", def.Enabled).Msg("Tool registered")
	return nil
}

// SetEnabled flips a tool's enabled flag
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	def.Enabled = enabled
	r.logger.Info().Str("tool", name).Bool("enabled", enabled).Msg("Tool enabled flag changed")
	return nil
}

// Resolve looks a tool up by name. Disabled tools resolve to ErrDisabled.
func (r *Registry) Resolve(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !def.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, name)
	}
	return &Handle{def: def, schema: r.schemas[name]}, nil
}

// List returns all registered definitions sorted by name, handlers omitted
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		d := *def
		d.Handler = nil
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke validates args against the tool's schema and executes the handler
// under the given timeout. Validation failures return *ValidationError; an
// exceeded timeout returns an error satisfying
// errors.Is(err, context.DeadlineExceeded).
func (r *Registry) Invoke(ctx context.Context, h *Handle, args map[string]interface{}, timeout time.Duration) (Result, error) {
	start := time.Now()

	if err := validateArgs(h, args); err != nil {
		return Result{}, err
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)

	go func() {
		out, err := h.def.Handler(callCtx, args)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		output, truncated := truncateOutput(out)
		duration := time.Since(start)
		r.logger.Debug().
			Str("tool", h.def.Name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		return Result{Output: output, Truncated: truncated, Duration: duration}, nil

	case err := <-errCh:
		r.logger.Debug().Str("tool", h.def.Name).Err(err).Msg("Tool execution failed")
		return Result{}, err

	case <-callCtx.Done():
		err := callCtx.Err()
		r.logger.Warn().Str("tool", h.def.Name).Dur("timeout", timeout).Msg("Tool execution timed out")
		return Result{}, fmt.Errorf("tool %s: %w", h.def.Name, err)
	}
}

func validateArgs(h *Handle, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := h.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation error for %s: %w", h.def.Name, err)
	}
	if !result.Valid() {
		causes := make([]string, 0, len(result.Errors()))
		for _, cause := range result.Errors() {
			causes = append(causes, cause.String())
		}
		return &ValidationError{Tool: h.def.Name, Causes: causes}
	}
	return nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}
	return nil
}

// InputSchema renders the parameter list as a JSON Schema object. The
// same map validates incoming arguments and describes the tool to model
// providers.
func (d Definition) InputSchema() map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           map[string]interface{}{},
	}

	properties := schemaMap["properties"].(map[string]interface{})
	var required []string

	for _, p := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			paramSchema["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			paramSchema["enum"] = p.Enum
		}
		properties[p.Name] = paramSchema
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema()))
}

func truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		return output, false
	}
	if len(str) <= maxOutputBytes {
		return output, false
	}
	return str[:maxOutputBytes] + "\n... [output truncated]", true
}
