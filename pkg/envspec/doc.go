// Package envspec defines the typed model of a development environment.
//
// An EnvironmentSpec is the desired state of one local environment: the base
// image, an optional build context, bind mounts, published ports, environment
// variables and the command to run. Specs are produced exactly once, at the
// input boundary, by Load, which validates eagerly and reports every problem
// it finds. Downstream packages never see an unvalidated spec.
//
// A loaded spec is treated as immutable. Callers that need to derive a
// modified spec use Clone.
//
// Example:
//
//	spec, err := envspec.Load(envspec.Raw{
//		Name:      "dev",
//		BaseImage: "ubuntu:24.04",
//		Mounts:    []envspec.RawMount{{Host: "/home/me/src", Container: "/workspace"}},
//		Ports:     []envspec.RawPort{{Host: 8080, Container: 8080}},
//	})
//	if errors.Is(err, envspec.ErrInvalidSpec) {
//		// report err to the user
//	}
package envspec
