package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry is the standard Dispatcher implementation.
//
// Tools register with a Spec; the Spec's JSON schema is compiled once at
// registration and every invocation's argument object is validated against
// it before the tool runs. Validation failures come back as invalid_args
// results without the tool ever being called.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

type entry struct {
	tool     Tool
	spec     Spec
	compiled *jsonschema.Schema
	limit    OutputLimit
}

// OutputLimit bounds the serialized size of a tool's output before it is
// handed to the LLM. Oversized output is truncated with a marker rather
// than rejected.
type OutputLimit struct {
	// MaxChars is the maximum serialized output length. Zero means the
	// registry default (DefaultMaxOutputChars).
	MaxChars int

	// Strategy selects which part of oversized output survives.
	Strategy TruncateStrategy
}

// TruncateStrategy selects how oversized tool output is cut.
type TruncateStrategy string

const (
	// TruncateHeadTail keeps the beginning and end, dropping the middle.
	TruncateHeadTail TruncateStrategy = "head_tail"
	// TruncateTail keeps only the end. Useful for log-style output where
	// the most recent lines matter.
	TruncateTail TruncateStrategy = "tail"
)

// DefaultMaxOutputChars bounds tool output when no per-tool limit is set.
const DefaultMaxOutputChars = 30000

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool under spec.Name.
//
// Returns an error if the name is empty, reserved, already registered, or
// if the spec's schema does not compile. An empty schema registers a tool
// that accepts any argument object.
func (r *Registry) Register(t Tool, spec Spec) error {
	return r.RegisterWithLimit(t, spec, OutputLimit{})
}

// RegisterWithLimit is Register with an explicit output limit for this tool.
func (r *Registry) RegisterWithLimit(t Tool, spec Spec, limit OutputLimit) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	name := spec.Name
	if name == "" {
		name = t.Name()
	}
	if name == "" {
		return errors.New("tool name is empty")
	}
	if name == SetOutputName {
		return fmt.Errorf("tool name %q is reserved", SetOutputName)
	}

	var compiled *jsonschema.Schema
	if len(spec.Schema) > 0 {
		var err error
		compiled, err = compileSchema(spec.Schema)
		if err != nil {
			return fmt.Errorf("tool %q: invalid schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	spec.Name = name
	r.tools[name] = &entry{tool: t, spec: spec, compiled: compiled, limit: limit}
	return nil
}

// Invoke implements Dispatcher.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Result{Err: &CallError{
			Kind:    ErrUnavailable,
			Message: fmt.Sprintf("unknown tool %q", name),
		}}
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if e.compiled != nil {
		if err := e.compiled.Validate(normalizeForValidation(args)); err != nil {
			return Result{Err: &CallError{
				Kind:    ErrInvalidArgs,
				Message: fmt.Sprintf("arguments for %q failed validation: %v", name, err),
			}}
		}
	}

	output, err := e.tool.Call(ctx, args)
	if err != nil {
		return Result{Err: classifyError(ctx, err)}
	}

	return Result{OK: true, Output: truncateOutput(output, e.limit)}
}

// List implements Dispatcher. Specs are returned in no particular order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, e.spec)
	}
	return specs
}

// Has implements Dispatcher.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tools[name]
	return ok
}

// compileSchema compiles a schema expressed as a JSON object map.
func compileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// normalizeForValidation round-trips args through JSON so validation sees
// the same value shapes the schema compiler expects (float64 numbers,
// []interface{} arrays). Tool inputs built in Go tests often carry int or
// []string values that would otherwise fail type checks.
func normalizeForValidation(args map[string]interface{}) interface{} {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return args
	}
	return normalized
}

// classifyError maps a tool error to a structured CallError.
//
// Tools that return *CallError keep their classification; everything else
// is classified from the context state and error text.
func classifyError(ctx context.Context, err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &CallError{Kind: ErrTimeout, Message: err.Error(), Retriable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &CallError{Kind: ErrTimeout, Message: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &CallError{Kind: ErrRateLimit, Message: err.Error(), Retriable: true}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return &CallError{Kind: ErrAuth, Message: err.Error()}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "503"):
		return &CallError{Kind: ErrUnavailable, Message: err.Error(), Retriable: true}
	default:
		return &CallError{Kind: ErrInternal, Message: err.Error()}
	}
}

// truncateOutput enforces the output limit on a tool result.
//
// The output map is serialized to measure it; if it fits, it is returned
// unchanged. Otherwise the serialized form is truncated per the strategy
// and returned under a "result" key with a "truncated" marker so the LLM
// knows content was cut.
func truncateOutput(output map[string]interface{}, limit OutputLimit) map[string]interface{} {
	if output == nil {
		return map[string]interface{}{}
	}

	maxChars := limit.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}

	raw, err := json.Marshal(output)
	if err != nil || len(raw) <= maxChars {
		return output
	}

	text := string(raw)
	var kept string
	switch limit.Strategy {
	case TruncateTail:
		kept = "... [output truncated: showing last " +
			fmt.Sprint(maxChars) + " of " + fmt.Sprint(len(text)) + " chars]\n" +
			text[len(text)-maxChars:]
	default: // head_tail
		head := maxChars * 2 / 3
		tail := maxChars - head
		kept = text[:head] +
			"\n... [output truncated: " + fmt.Sprint(len(text)-maxChars) + " chars omitted] ...\n" +
			text[len(text)-tail:]
	}

	return map[string]interface{}{
		"result":    kept,
		"truncated": true,
	}
}
