package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// Format is the syntax of a spec file.
type Format string

const (
	// FormatCUE is a CUE document with an environment field.
	FormatCUE Format = "cue"

	// FormatYAML is a YAML document with an environment key.
	FormatYAML Format = "yaml"
)

// SpecExtensions lists the recognised spec file extensions in lookup order.
var SpecExtensions = []string{".cue", ".yaml", ".yml"}

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported spec file %s: expected one of %s", path, strings.Join(SpecExtensions, ", "))
	}
}

// Validate checks if the format is valid.
func (f Format) Validate() error {
	switch f {
	case FormatCUE, FormatYAML:
		return nil
	default:
		return fmt.Errorf("invalid spec format: %s", f)
	}
}

// ParsedSpec is a spec file after decoding and validation.
type ParsedSpec struct {
	// Path is the absolute path of the source file, or "inline".
	Path string `json:"path"`

	// Format is the syntax the file was written in.
	Format Format `json:"format"`

	// Raw is the decoded document with paths resolved.
	Raw envspec.Raw `json:"raw"`

	// Spec is the validated spec.
	Spec *envspec.EnvironmentSpec `json:"spec"`

	// ParsedAt is when the file was parsed.
	ParsedAt time.Time `json:"parsed_at"`
}

// yamlDocument is the top level of a YAML spec file.
type yamlDocument struct {
	Environment *envspec.Raw `yaml:"environment"`
}

// environmentField is the top-level field holding the spec in both formats.
const environmentField = "environment"
