package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaEnvironment is the name of the built-in environment schema.
const SchemaEnvironment = "environment"

// SchemaRegistry manages CUE schemas for validation.
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

	if err := sr.RegisterSchema(SchemaEnvironment, builtinEnvironmentSchema, "#Environment"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition it names.
func (sr *SchemaRegistry) RegisterSchema(name, schema, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
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

// Unify applies the named schema to val. The result carries any constraint
// violations as errors.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Structural rules only. Cross-field rules (duplicate host ports, absolute
// paths, build exclusivity) are enforced by envspec.Load.
const builtinEnvironmentSchema = `
#Environment: {
	// Name identifies the environment and its container
	name: string & =~"^[a-zA-Z0-9]+(?:(?:[._]|__|-+)[a-zA-Z0-9]+)*$"

	description?: string

	// BaseImage is the image the environment starts from
	base_image: string & !=""

	build?: {
		path?:       string
		dockerfile?: string
		instructions?: [...string]
		args?: {[string]: string}
	}

	mounts?: [...{
		host:       string & !=""
		container:  string & =~"^/"
		read_only?: bool
	}]

	ports?: [...{
		host:      int & >=1 & <=65535
		container: int & >=1 & <=65535
		protocol?: "tcp" | "udp" | "sctp"
	}]

	env?: {[=~"^[A-Za-z_][A-Za-z0-9_]*$"]: string}

	command?: [...string]
	workdir?: string & =~"^/"
	hostname?: string
}
`
