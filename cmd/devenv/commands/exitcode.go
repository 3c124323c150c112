package commands

import (
	"github.com/openfroyo/devenv/pkg/engine"
)

// Process exit codes.
const (
	ExitFailure        = 1
	ExitInvalidSpec    = 2
	ExitLockContention = 3
	ExitTimeout        = 4
)

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsInvalidSpec(err):
		return ExitInvalidSpec
	case engine.IsLockContention(err):
		return ExitLockContention
	case engine.IsTimeout(err):
		return ExitTimeout
	default:
		return ExitFailure
	}
}
