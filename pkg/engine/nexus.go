package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Nexus is the handle a step receives. It exposes the active frame and builds
// the transition the step returns. A Nexus is valid for a single step only.
type Nexus struct {
	strand   *Strand
	frame    *Frame
	prog     Program
	now      time.Time
	deadline *Deadline
}

// NewNexus returns the handle for running one step of st with prog at now.
// The runner builds one per step; programs may build one to drive a single
// label in isolation.
func NewNexus(st *Strand, prog Program, now time.Time) *Nexus {
	return &Nexus{
		strand: st,
		frame:  st.Active(),
		prog:   prog,
		now:    now,
	}
}

// SubjectID returns the ID of the resource the strand drives.
func (nx *Nexus) SubjectID() string { return nx.strand.ID }

// Label returns the active label.
func (nx *Nexus) Label() string { return nx.frame.Label }

// Program returns the program bound to the active frame.
func (nx *Nexus) Program() Program { return nx.prog }

// Now returns the time the step was started.
func (nx *Nexus) Now() time.Time { return nx.now }

// Depth returns the number of frames on the stack.
func (nx *Nexus) Depth() int { return len(nx.strand.Stack) }

// DestroyRequested reports whether destruction was requested for the strand.
func (nx *Nexus) DestroyRequested() bool { return nx.strand.DestroyRequested }

// Args decodes the active frame's arguments into v.
func (nx *Nexus) Args(v interface{}) error {
	if len(nx.frame.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(nx.frame.Args, v); err != nil {
		return fmt.Errorf("failed to decode frame args: %w", err)
	}
	return nil
}

// ChildResult decodes the result of the most recently exited child into v.
// It returns false when no child has exited into this frame.
func (nx *Nexus) ChildResult(v interface{}) (bool, error) {
	if len(nx.frame.ChildResult) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(nx.frame.ChildResult, v); err != nil {
		return true, fmt.Errorf("failed to decode child result: %w", err)
	}
	return true, nil
}

// RegisterDeadline requires the active frame to reach target within d.
// It is persisted together with the transition the step returns and
// replaces any deadline the frame already carries.
func (nx *Nexus) RegisterDeadline(target string, d time.Duration) {
	nx.deadline = &Deadline{Target: target, At: nx.now.Add(d)}
}

// PendingDeadline returns the deadline registered during this step, if any.
func (nx *Nexus) PendingDeadline() *Deadline { return nx.deadline }

// Hop moves the active frame to label and clears the wake time.
func (nx *Nexus) Hop(label string) Transition {
	return Transition{Kind: TransitionHop, Label: label}
}

// Nap suspends the active frame for at least d.
func (nx *Nexus) Nap(d time.Duration) Transition {
	if d < 0 {
		d = 0
	}
	return Transition{Kind: TransitionNap, Nap: d}
}

// Push starts prog above the active frame. The caller is resumed at its
// current label once the child exits.
func (nx *Nexus) Push(prog string, args interface{}) Transition {
	t := Transition{Kind: TransitionPush, Prog: prog}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			t.err = fmt.Errorf("failed to marshal push args: %w", err)
			return t
		}
		t.Args = b
	}
	return t
}

// Exit terminates the active frame with result.
func (nx *Nexus) Exit(result interface{}) Transition {
	t := Transition{Kind: TransitionExit}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			t.err = fmt.Errorf("failed to marshal exit result: %w", err)
			return t
		}
		t.Result = b
	}
	return t
}

// beforeRun applies the default cancellation redirect: when destruction was
// requested, pushed children are discarded and the bottom frame hops to its
// program's destroy label unless it is already there. Children pushed while
// the bottom frame is in its destroy label are left alone.
func (nx *Nexus) beforeRun(_ context.Context, registry *Registry) (Transition, bool, error) {
	if !nx.strand.DestroyRequested {
		return Transition{}, false, nil
	}

	root, err := registry.Lookup(nx.strand.Prog())
	if err != nil {
		return Transition{}, false, err
	}
	destroy := root.DestroyLabel()
	if destroy == "" {
		return Transition{}, false, nil
	}
	if nx.strand.Stack[0].Label == destroy {
		return Transition{}, false, nil
	}
	return Transition{Kind: TransitionHop, Label: destroy, unwind: true}, true, nil
}
