// Package engine turns an environment spec into container lifecycle
// operations and keeps the state record that makes repeated invocations
// idempotent.
//
// # Overview
//
// An operation runs through four steps:
//
//  1. Resolve - look up the spec, apply policies, check host paths and
//     compute its fingerprint
//  2. Observe - take the environment lock, read the StateRecord and inspect
//     the live container
//  3. Plan - compare desired, recorded and live state (Planner)
//  4. Execute - run the plan's actions in order, committing the record after
//     each one (Executor)
//
// # Plans
//
// A Plan is an ordered list drawn from a closed set of actions:
//
//	build_image -> create_container -> start_container
//	stop_container -> remove_container
//	noop
//
// The planner is pure. Fresh inspection always wins over the record, so a
// container stopped or removed behind the tool's back is noticed and
// repaired. A changed fingerprint tears the container down and rebuilds.
//
// # Failure model
//
// The first failing action halts the plan. Actions that completed stay
// committed, so the next invocation resumes from the last committed state
// instead of starting over. Nothing is retried and nothing is rolled back.
// Each runtime call has its own deadline and is detached from caller
// cancellation; cancellation takes effect between actions.
//
// Every error returned by the Orchestrator is an *EngineError whose Kind
// names the failed step (BuildFailed, TimeoutExceeded, LockContention, ...)
// and whose wrapped error carries the runtime's diagnostic text verbatim.
//
// # Concurrency
//
// Mutating operations hold a per-environment lock in the StateStore from
// before the record is read until the plan finishes. A second invocation
// fails immediately with LockContention. Status, Plan and List take no lock.
//
// # Usage
//
//	orch, err := engine.NewOrchestrator(engine.Config{
//	    Runtime: dockerClient,
//	    Store:   store,
//	    Specs:   catalog,
//	})
//	if err != nil {
//	    return err
//	}
//
//	report, err := orch.Up(ctx, "api")
//	if engine.IsLockContention(err) {
//	    // another terminal is working on "api"
//	}
package engine
