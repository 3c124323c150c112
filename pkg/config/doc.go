// Package config is the input boundary of devenv: it turns spec files into
// validated envspec.EnvironmentSpec values and loads the tool's own
// configuration.
//
// # Spec files
//
// A spec file holds a single environment under a top-level "environment"
// field and is written in CUE or YAML:
//
//	environment: {
//	    name:       "dev"
//	    base_image: "golang:1.25"
//	    mounts: [{host: ".", container: "/src"}]
//	    ports: [{host: 8080, container: 8080}]
//	}
//
// CUE documents are unified with the built-in #Environment schema before
// decoding, so type and range errors are reported with file positions.
// Both formats then go through envspec.Load, which applies the cross-field
// rules. Relative mount and build paths resolve against the directory of
// the spec file.
//
// # Components
//
// SpecParser decodes one file. SpecCatalog maps environment names to files
// in a spec directory and implements engine.SpecSource. SpecWatcher reports
// edits to a spec file. AppConfig is the YAML configuration at
// $XDG_CONFIG_HOME/devenv/config.yaml with DEVENV_* overrides.
package config
