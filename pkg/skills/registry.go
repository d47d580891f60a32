package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/convoy/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const (
	DefaultTimeout = 30 * time.Second
	maxOutputBytes = 10 * 1024
)

// cancelGrace is how long a cancelled or timed out handler may still take
// to report a result.
var cancelGrace = 100 * time.Millisecond

var (
	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	validParamTypes = map[string]bool{
		"string": true, "number": true, "integer": true,
		"boolean": true, "object": true, "array": true,
	}
)

// Handler implements a tool. Returned strings are used verbatim; any other
// value is rendered as JSON.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Parameter describes one named argument.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     interface{}
	// Enum restricts string parameters to the listed values.
	Enum []string
}

// Definition describes a tool.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	// RequiresConfirmation marks tools with side effects that must be gated.
	RequiresConfirmation bool
	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
	Handler Handler
}

// Spec is the model-facing view of a tool.
type Spec struct {
	Name        string
	Description string
	// Properties and Required form the JSON schema of the arguments object.
	Properties map[string]interface{}
	Required   []string
}

// Schema returns the full JSON schema of the arguments object.
func (s Spec) Schema() map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

// Result is a successful tool execution.
type Result struct {
	Output    string
	Truncated bool
	Duration  time.Duration
}

type tool struct {
	def    Definition
	spec   Spec
	schema *gojsonschema.Schema
}

// Builder collects definitions before the registry is frozen.
type Builder struct {
	defs  map[string]Definition
	order []string
}

func NewBuilder() *Builder {
	return &Builder{defs: make(map[string]Definition)}
}

// Register validates def and queues it for Build.
func (b *Builder) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	if _, exists := b.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	b.defs[def.Name] = def
	b.order = append(b.order, def.Name)
	return nil
}

// Build compiles schemas and returns the immutable registry.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{tools: make(map[string]*tool, len(b.defs))}
	for _, name := range b.order {
		def := b.defs[name]
		spec, schemaMap := buildSchema(def)
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
		if err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", name, err)
		}
		r.tools[name] = &tool{def: def, spec: spec, schema: schema}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Registry is read-only after Build.
type Registry struct {
	tools map[string]*tool
	names []string
}

// Names lists registered tools, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Lookup returns the definition of name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	t, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// Specs returns the model-facing description of every tool, sorted by name.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name].spec)
	}
	return out
}

// RequiresConfirmation reports the flag for name; unknown tools report false.
func (r *Registry) RequiresConfirmation(name string) bool {
	t, ok := r.tools[name]
	return ok && t.def.RequiresConfirmation
}

// Execute validates args against the tool's schema and runs it under its
// timeout. Failures are *ExecutionError, except unknown names which wrap
// ErrToolNotFound.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	// The caller's map stays untouched; defaults are applied to a copy.
	args = copyArgs(args)

	if err := validateArgs(t.schema, args); err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("Tool argument validation failed")
		return Result{}, &ExecutionError{Tool: name, Kind: FailureInvalidArguments, Err: err}
	}
	applyDefaults(t.def, args)

	timeout := t.def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// Nothing starts once the caller has given up.
	if err := ctx.Err(); err != nil {
		return Result{}, &ExecutionError{Tool: name, Kind: FailureHandler, Err: err}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		value, err := t.def.Handler(runCtx, args)
		done <- outcome{value, err}
	}()

	var res outcome
	finished := false
	select {
	case res = <-done:
		finished = true
	case <-runCtx.Done():
		// A handler that completes during the grace period is reported as
		// finished: its side effects happened.
		grace := time.NewTimer(cancelGrace)
		select {
		case res = <-done:
			finished = true
		case <-grace.C:
		}
		grace.Stop()
	}

	duration := time.Since(start)
	if !finished || res.err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			observability.RecordToolExecution(name, duration, false)
			log.Error().Str("tool", name).Dur("duration", duration).Msg("Tool execution timeout")
			return Result{}, &ExecutionError{Tool: name, Kind: FailureTimeout, Err: fmt.Errorf("timed out after %v", timeout)}
		}
		if !finished {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		observability.RecordToolExecution(name, duration, false)
		log.Error().Str("tool", name).Dur("duration", duration).Err(res.err).Msg("Tool execution failed")
		return Result{}, &ExecutionError{Tool: name, Kind: FailureHandler, Err: res.err}
	}

	observability.RecordToolExecution(name, duration, true)
	output, truncated := render(res.value)
	log.Debug().Str("tool", name).Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
	return Result{Output: output, Truncated: truncated, Duration: duration}, nil
}

func validateDefinition(def Definition) error {
	if !toolNamePattern.MatchString(def.Name) {
		return fmt.Errorf("invalid tool name %q", def.Name)
	}
	if def.Description == "" {
		return fmt.Errorf("tool %s: description cannot be empty", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", def.Name)
	}
	seen := map[string]bool{}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name cannot be empty", def.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %s", def.Name, p.Name)
		}
		seen[p.Name] = true
		if !validParamTypes[p.Type] {
			return fmt.Errorf("tool %s: invalid parameter type %q for %s", def.Name, p.Type, p.Name)
		}
	}
	return nil
}

func buildSchema(def Definition) (Spec, map[string]interface{}) {
	properties := make(map[string]interface{}, len(def.Parameters))
	var required []string

	for _, p := range def.Parameters {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	spec := Spec{Name: def.Name, Description: def.Description, Properties: properties, Required: required}
	schema := spec.Schema()
	schema["additionalProperties"] = false
	return spec, schema
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func copyArgs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func applyDefaults(def Definition, args map[string]interface{}) {
	for _, p := range def.Parameters {
		if _, ok := args[p.Name]; !ok && p.Default != nil {
			args[p.Name] = p.Default
		}
	}
}

func render(value interface{}) (string, bool) {
	var out string
	switch v := value.(type) {
	case nil:
		out = ""
	case string:
		out = v
	case []byte:
		out = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			out = fmt.Sprintf("%v", v)
		} else {
			out = string(data)
		}
	}

	if len(out) <= maxOutputBytes {
		return out, false
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "\n... [output truncated]", true
}
