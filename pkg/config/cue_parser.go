package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// InlineSource names specs parsed from memory.
const InlineSource = "inline"

// SpecParser decodes CUE and YAML spec files into validated specs. It is
// safe for concurrent use.
type SpecParser struct {
	// mu guards ctx, which CUE does not allow to be shared between goroutines.
	mu             sync.Mutex
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewSpecParser creates a new spec parser.
func NewSpecParser() *SpecParser {
	ctx := cuecontext.New()
	return &SpecParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
	}
}

// ParseFile parses the spec at path. Relative mount and build paths are
// resolved against the file's directory. Every decoding or validation
// failure matches envspec.ErrInvalidSpec.
func (sp *SpecParser) ParseFile(path string) (*ParsedSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	format, err := FormatOf(abs)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	return sp.Parse(content, format, abs, filepath.Dir(abs))
}

// Parse decodes content in the given format. source names the content in
// error messages; relative paths are resolved against baseDir.
func (sp *SpecParser) Parse(content []byte, format Format, source, baseDir string) (*ParsedSpec, error) {
	var (
		raw *envspec.Raw
		err error
	)
	switch format {
	case FormatCUE:
		raw, err = sp.decodeCUE(content, source)
	case FormatYAML:
		raw, err = decodeYAML(content, source)
	default:
		err = format.Validate()
	}
	if err != nil {
		return nil, err
	}

	if baseDir != "" {
		raw.ResolvePaths(baseDir)
	}

	spec, err := envspec.Load(*raw)
	if err != nil {
		return nil, err
	}

	return &ParsedSpec{
		Path:     source,
		Format:   format,
		Raw:      *raw,
		Spec:     spec,
		ParsedAt: time.Now(),
	}, nil
}

// ParseInline parses inline CUE content. Paths must already be absolute.
func (sp *SpecParser) ParseInline(content string) (*ParsedSpec, error) {
	return sp.Parse([]byte(content), FormatCUE, InlineSource, "")
}

// decodeCUE compiles content, applies the #Environment schema to the
// environment field and decodes it.
func (sp *SpecParser) decodeCUE(content []byte, source string) (*envspec.Raw, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	val := sp.ctx.CompileBytes(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(source, err)
	}

	envVal := val.LookupPath(cue.ParsePath(environmentField))
	if !envVal.Exists() {
		return nil, &envspec.ValidationError{Problems: []string{
			fmt.Sprintf("%s: missing top-level %q field", source, environmentField),
		}}
	}

	unified, err := sp.schemaRegistry.Unify(SchemaEnvironment, envVal)
	if err != nil {
		return nil, err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(source, err)
	}

	raw := &envspec.Raw{}
	if err := unified.Decode(raw); err != nil {
		return nil, convertCUEErrors(source, err)
	}
	return raw, nil
}

func decodeYAML(content []byte, source string) (*envspec.Raw, error) {
	var doc yamlDocument

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &envspec.ValidationError{Problems: []string{fmt.Sprintf("%s: %v", source, err)}}
	}
	if doc.Environment == nil {
		return nil, &envspec.ValidationError{Problems: []string{
			fmt.Sprintf("%s: missing top-level %q key", source, environmentField),
		}}
	}
	return doc.Environment, nil
}

// convertCUEErrors flattens CUE errors into one validation error with a
// file:line:column prefix per problem.
func convertCUEErrors(source string, err error) error {
	verr := &envspec.ValidationError{}
	for _, e := range errors.Errors(err) {
		msg := errors.Details(e, nil)
		if pos := errors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), e.Error())
		}
		verr.Problems = append(verr.Problems, msg)
	}
	if len(verr.Problems) == 0 {
		verr.Problems = []string{fmt.Sprintf("%s: %v", source, err)}
	}
	return verr
}

// GetSchemaRegistry returns the schema registry.
func (sp *SpecParser) GetSchemaRegistry() *SchemaRegistry {
	return sp.schemaRegistry
}
