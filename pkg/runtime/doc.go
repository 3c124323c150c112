// Package runtime defines the boundary between the orchestrator and a local
// container runtime.
//
// The Client interface is deliberately small: inspect, build, create, start,
// stop and remove. Every operation is synchronous and observes its context
// deadline. A missing image or container is reported as ErrNotFound so callers
// can tell absence apart from failure.
//
// The docker subpackage provides the Docker Engine implementation.
package runtime
