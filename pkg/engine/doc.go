// Package engine implements the durable strand execution engine of the
// control plane.
//
// # Overview
//
// A Strand is the persisted unit of workflow execution for one resource.
// It carries a stack of frames; each frame is bound to a named Program and
// resumes at a label. Programs are state machines whose steps receive a
// Nexus and return exactly one transition:
//
//   - Hop(label): move the active frame to label and clear the wake time
//   - Nap(d): suspend the active frame until now+d
//   - Push(prog, args): start a child program above the active frame
//   - Exit(result): terminate the active frame, handing result to the caller
//     or, for the bottom frame, terminating the strand
//
// A step may also call RegisterDeadline(target, d). A deadline that passes
// before the frame reaches target is reported once as an event and metric;
// it never fails or redirects the strand.
//
// # Cancellation
//
// Any actor may request destruction through StrandStore.RequestDestroy.
// The request is observed by the before-run hook on the next resumption,
// which discards pushed children and hops the bottom frame to its program's
// destroy label. Once the bottom frame is in the destroy label the hook is a
// no-op, so repeated requests produce a single redirect.
//
// # Execution
//
// The Dispatcher polls the StrandStore for due strands, leases a batch and
// runs each on a bounded worker pool through the Runner. The Runner persists
// every transition with a lease-conditional write before executing the next
// step, so a crash or a failing step leaves the strand at its last persisted
// label. Failed runs keep their lease until it expires; another worker then
// resumes the strand from storage.
//
// # Errors
//
// Errors are classified with EngineError (transient, throttled, conflict,
// permanent) and carry codes such as ErrCodeLeaseLost or ErrCodeUnknownLabel.
package engine
