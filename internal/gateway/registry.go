package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Property describes a single parameter for a tool's JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Schema defines the expected arguments of a tool.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc runs a tool. Text is the observation fed back to the
// planner; Rows is non-nil only for data-retrieval tools.
type ExecuteFunc func(ctx context.Context, args map[string]any) (*Output, error)

// Output is a tool's structured result.
type Output struct {
	Text string
	Rows *ResultSet
}

// Tool is one capability exposed to the execution engine.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Execute     ExecuteFunc

	// Retrieval marks tools whose success counts as a data-retrieval
	// step (the engine's artifact guard depends on this).
	Retrieval bool
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Definition is the planner-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result wraps one execution with metadata.
type Result struct {
	ToolName   string
	Output     *Output
	Err        error
	DurationMs int64
}

// Registry holds the gateway's tools. Thread-safe.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]*Tool), logger: logger}
}

// Register adds a tool, rejecting duplicates.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister registers a tool and panics on error. For static
// registration at construction time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether the tool exists.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns planner-facing tool descriptions, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		props := make(map[string]any, len(tool.Schema.Properties))
		for name, p := range tool.Schema.Properties {
			props[name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
		}
		defs = append(defs, Definition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   tool.Schema.Required,
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name with required-argument validation.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	tool := r.Get(name)
	if tool == nil {
		err := &ToolError{Kind: KindBadInput, Message: fmt.Sprintf("unknown tool %q", name)}
		return &Result{ToolName: name, Err: err}, err
	}

	start := time.Now()
	if err := validateArgs(tool, args); err != nil {
		return &Result{ToolName: name, Err: err, DurationMs: time.Since(start).Milliseconds()}, err
	}

	out, err := tool.Execute(ctx, args)
	duration := time.Since(start)
	r.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Duration("duration", duration),
		zap.Bool("success", err == nil))

	return &Result{
		ToolName:   name,
		Output:     out,
		Err:        err,
		DurationMs: duration.Milliseconds(),
	}, err
}

func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		v, ok := args[required]
		if !ok {
			return &ToolError{
				Kind:    KindBadInput,
				Message: fmt.Sprintf("%s: %s", ErrMissingRequired.Error(), required),
			}
		}
		if s, isString := v.(string); isString && s == "" {
			return &ToolError{
				Kind:    KindBadInput,
				Message: fmt.Sprintf("%s: %s is empty", ErrMissingRequired.Error(), required),
			}
		}
	}
	return nil
}
