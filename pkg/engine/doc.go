// Package engine provides the convergence engine for galley.
//
// # Overview
//
// galley converges a single host toward a declared state in one sequential
// pass. A run moves through three stages:
//
//  1. Validate - Resolve resource types, decode properties, check actions and
//     notification targets (Validate)
//  2. Converge - Walk resources in declaration order, evaluate guards, run
//     actions and deliver immediate notifications (Runner)
//  3. Flush - Run queued delayed notifications once each, in first-registration
//     order (NotificationQueue)
//
// # Core Domain Types
//
//   - Resource: A typed, named declaration of desired state with actions,
//     guards and notifications
//   - ActionTable: Per resource type mapping from action to ensure/probe functions
//   - Guard: An only_if or not_if predicate gating a resource's actions
//   - Notification: A request to run an action on another resource after a change
//   - Report: Per-execution and per-resource outcomes of a run
//
// # Resource Lifecycle
//
//	Pending → Guarded (skipped)
//	Pending → Running → Unchanged | Changed | Failed
//
// A Changed outcome fires the resource's notifications. A Failed outcome halts
// the run unless the resource ignores failures; the remaining resources are
// reported as skipped with reason "aborted" and queued notifications never fire.
//
// # Action Tables
//
// Providers register one action table per resource type:
//
//	registry.MustRegister(&engine.ActionTable{
//	    Type:          "file",
//	    DefaultAction: "create",
//	    Decode:        decodeFileSpec,
//	    Actions: map[engine.Action]engine.ActionHandler{
//	        "create": {Ensure: ensureFile, Probe: probeFile},
//	        "delete": {Ensure: deleteFile, Probe: probeAbsent},
//	    },
//	})
//
// Ensure functions must be idempotent: a second call against the state the
// first call produced reports OutcomeUnchanged.
//
// # Error Handling
//
// Errors are classified as guard, action, validation or internal. Guard errors
// are recorded and the predicate is treated as false. Validation errors are
// collected into ValidationErrors and returned before any action runs.
//
// # Concurrency
//
// A run is single-threaded. Event publishers, metrics recorders and guard
// predicates are called from the runner goroutine only.
package engine
