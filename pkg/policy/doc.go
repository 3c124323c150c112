// Package policy checks environment specs against Open Policy Agent (OPA)
// Rego policies before the orchestrator acts on them.
//
// Every policy is a Rego module that defines a deny set. The engine
// evaluates each enabled module with the spec as input:
//
//	{
//	    "environment": { "name": ..., "base_image": ..., "mounts": [...], ... },
//	    "context":     { "user": ..., "hostname": ..., "timestamp": ... }
//	}
//
// A deny entry is either a message string or an object with message,
// severity and field keys. Entries without a severity take the policy's.
// Error and critical entries reject the spec; info and warning entries are
// logged.
//
// # Built-in Policies
//
//   - host-mounts: rejects mounts of /, system directories and the Docker socket
//   - base-image-pinned: warns about untagged or latest base images
//   - privileged-ports: warns about host ports below 1024
//   - plaintext-secrets: warns about secret-looking variables with literal values
//
// # Custom Policies
//
// Policies load from .rego files, named after the file, or from .json files
// holding a Policy. Leading comments of a .rego file become its description
// and a "# severity: <level>" comment sets its default severity:
//
//	# Environments must declare a workdir.
//	# severity: error
//	package team.workdir
//
//	import rego.v1
//
//	deny contains "workdir must be set" if {
//	    not input.environment.workdir
//	}
//
// Engine implements engine.SpecChecker, so it plugs directly into the
// orchestrator configuration.
package policy
