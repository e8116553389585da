// Package engine implements the jibbr script scheduler.
//
// Scripts (page documents, the modules they import, connection event
// handlers) are plain synchronous code. When one needs something that only
// arrives later (another module's exports, an outbound response, a reply
// from a connected client) it suspends, its worker moves on, and it is
// resumed on the same worker once the result is delivered.
//
// ARCHITECTURE:
//
// Per-baseName Workers:
// Every unit of work is queued on the logical worker keyed by the target
// environment's baseName. A WorkerPool services many such queues with a
// bounded number of goroutines. One key never runs two tasks at once, so
// an environment's scope needs no locks of its own.
//
// Suspension Flow:
//  1. Script calls an Activation method that awaits (Require, Fetch, Ask)
//  2. ContextStack.PrepareSuspension registers a PendingContinuation under
//     the owner resolved from the top frame
//  3. The continuation primitive parks the script goroutine and the
//     Coordinator reports Outcome{Pending}
//  4. The Scheduler hands the continuation to the Dispatcher for its Reason
//  5. The dispatcher, possibly from another goroutine, calls
//     ResumeAfterExternalResult
//  6. The resumption is enqueued on the environment's worker, the saved
//     frame chain is restored and the script continues where it stopped
//
// Document requests run in two phases: the top-level program, once per
// environment, then the ready function, once per request. Requests that
// arrive while the top-level program is suspended are parked and re-run in
// arrival order when it completes.
//
// CRITICAL PATTERNS:
//
// Invariant violations (a shared pending key, a resume of an unknown key,
// popping an empty stack, reloading an initialized module) panic with
// *InvariantError and are never recovered by the scheduler. Script errors
// are logged and the run counts as completed.
//
// Lifecycle events are stamped with a logical Clock and written to the
// Journal. Ordering within a baseName is reproducible; across baseNames it
// is not.
package engine
