package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. A schema is a CUE
// definition looked up by name, e.g. "#Task".
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("#Task", builtinTaskSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("#Command", builtinTaskSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition called name
// from it.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(name))
	if !def.Exists() {
		return fmt.Errorf("schema source does not define %s", name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Validate(name string, val cue.Value) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := sr.Validate(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateTask validates a task entry against the #Task schema.
func (sr *SchemaRegistry) ValidateTask(ctx context.Context, task TaskConfig) error {
	return sr.ValidateAgainstSchema(ctx, "#Task", task)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinTaskSchema = `
#Capability: string & =~"^[^\\s]+$"

#Command: {
	// Run is executed with sh -c
	run: string & !=""
	dir?: string
	env?: {[string]: string}
	publish?: {[string]: string}
}

#Task: {
	id: string & =~"^[A-Za-z0-9_][A-Za-z0-9_.:/+-]*$"
	parent?: string
	description?: string
	kind?: "group" | "command" | "script"

	provides?: [...#Capability]
	requires?: [...#Capability]
	conditional_requires?: [...#Capability]

	properties?: {
		pre?: bool
		post?: bool
		user_toggleable?: bool
	}
	enabled?: bool
	protected?: bool

	command?: #Command
	script?: string
	script_file?: string

	inputs?: [...string]
	outputs?: [...string]
	watch_config?: [...string]
	watch_variables?: [...string]
}
`
