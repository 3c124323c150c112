package engine

import (
	"fmt"

	"github.com/openfroyo/devenv/pkg/runtime"
)

// ContainerStatus is the lifecycle status of an environment's container.
type ContainerStatus string

const (
	// ContainerAbsent indicates no container exists.
	ContainerAbsent ContainerStatus = "absent"

	// ContainerCreated indicates the container exists but has never run.
	ContainerCreated ContainerStatus = "created"

	// ContainerRunning indicates the container is running.
	ContainerRunning ContainerStatus = "running"

	// ContainerStopped indicates the container exists and is not running.
	ContainerStopped ContainerStatus = "stopped"
)

// IsPresent returns true if a container exists.
func (s ContainerStatus) IsPresent() bool {
	return s == ContainerCreated || s == ContainerRunning || s == ContainerStopped
}

// Validate checks if the container status is valid.
func (s ContainerStatus) Validate() error {
	switch s {
	case ContainerAbsent, ContainerCreated, ContainerRunning, ContainerStopped:
		return nil
	default:
		return fmt.Errorf("invalid container status: %s", s)
	}
}

// StatusOf maps a live container onto the lifecycle status. A nil container is absent.
func StatusOf(c *runtime.ContainerInfo) ContainerStatus {
	if c == nil {
		return ContainerAbsent
	}
	switch {
	case c.State.IsRunning():
		return ContainerRunning
	case c.State == runtime.StateCreated:
		return ContainerCreated
	default:
		return ContainerStopped
	}
}

// stalled reports a container that holds a process without serving it.
// StatusOf reports it as running, but only a restart brings it back.
func stalled(c *runtime.ContainerInfo) bool {
	return c != nil && (c.State == runtime.StatePaused || c.State == runtime.StateRestarting)
}

// unstartable reports a container the runtime refuses to start again.
func unstartable(c *runtime.ContainerInfo) bool {
	return c != nil && (c.State == runtime.StateDead || c.State == runtime.StateRemoving)
}

// Operation is a public orchestrator operation.
type Operation string

const (
	OperationUp      Operation = "up"
	OperationDown    Operation = "down"
	OperationPurge   Operation = "purge"
	OperationRebuild Operation = "rebuild"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationUp, OperationDown, OperationPurge, OperationRebuild:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// RunStatus represents the outcome of an operation or a single action.
type RunStatus string

const (
	// RunStatusRunning indicates the work is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the work completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the work failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller cancelled between actions.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// runStatusFor derives the terminal status for an error.
func runStatusFor(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusSucceeded
	case KindOf(err) == KindCancelled:
		return RunStatusCancelled
	default:
		return RunStatusFailed
	}
}
