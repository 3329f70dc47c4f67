package engine

import (
	"encoding/json"
	"time"
)

// Strand is the persisted unit of workflow execution.
// The bottom frame is the program bound to the subject resource; frames above
// it are child programs pushed by their caller.
type Strand struct {
	// ID is the unique identifier; it equals the subject resource ID.
	ID string `json:"id"`

	// Stack holds the frames, bottom first. The last frame is active.
	Stack []Frame `json:"stack"`

	// WakeAt is the earliest time the strand may resume. Nil means ready now.
	WakeAt *time.Time `json:"wake_at,omitempty"`

	// LeaseOwner is the worker currently holding the strand, if any.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt is when the current lease becomes reclaimable.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// DestroyRequested is set by any actor and observed by before-run.
	DestroyRequested bool `json:"destroy_requested"`

	// ExitResult is the payload passed to the terminal exit.
	ExitResult json.RawMessage `json:"exit_result,omitempty"`

	// Done is true once the bottom frame has exited.
	Done bool `json:"done"`

	// CreatedAt is when the strand was assembled.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the strand was last persisted.
	UpdatedAt time.Time `json:"updated_at"`
}

// Frame is one program activation on a strand's stack.
type Frame struct {
	// Prog is the registered program name.
	Prog string `json:"prog"`

	// Label is the step the frame resumes at.
	Label string `json:"label"`

	// Args are the arguments the frame was created with.
	Args json.RawMessage `json:"args,omitempty"`

	// ChildResult is the exit payload of the most recently popped child.
	ChildResult json.RawMessage `json:"child_result,omitempty"`

	// Deadline is the outstanding deadline registered by this frame.
	Deadline *Deadline `json:"deadline,omitempty"`
}

// Deadline requires a frame to reach Target before At.
type Deadline struct {
	Target   string    `json:"target"`
	At       time.Time `json:"at"`
	Reported bool      `json:"reported,omitempty"`
}

// Active returns the active frame, or nil when the strand has terminated.
func (s *Strand) Active() *Frame {
	if len(s.Stack) == 0 {
		return nil
	}
	return &s.Stack[len(s.Stack)-1]
}

// Label returns the active frame's label.
func (s *Strand) Label() string {
	if f := s.Active(); f != nil {
		return f.Label
	}
	return ""
}

// Prog returns the program bound to the bottom frame.
func (s *Strand) Prog() string {
	if len(s.Stack) == 0 {
		return ""
	}
	return s.Stack[0].Prog
}

// DeadlineAt returns the earliest unreported deadline across all frames.
func (s *Strand) DeadlineAt() *time.Time {
	var earliest *time.Time
	for i := range s.Stack {
		d := s.Stack[i].Deadline
		if d == nil || d.Reported {
			continue
		}
		if earliest == nil || d.At.Before(*earliest) {
			at := d.At
			earliest = &at
		}
	}
	return earliest
}

// Clone returns a deep copy of the strand.
func (s *Strand) Clone() *Strand {
	c := *s
	c.Stack = make([]Frame, len(s.Stack))
	for i, f := range s.Stack {
		if f.Deadline != nil {
			d := *f.Deadline
			f.Deadline = &d
		}
		c.Stack[i] = f
	}
	if s.WakeAt != nil {
		w := *s.WakeAt
		c.WakeAt = &w
	}
	if s.LeaseExpiresAt != nil {
		l := *s.LeaseExpiresAt
		c.LeaseExpiresAt = &l
	}
	return &c
}

// TransitionKind identifies the suspension point a step returned.
type TransitionKind int

const (
	transitionNone TransitionKind = iota

	// TransitionHop moves the active frame to another label.
	TransitionHop

	// TransitionNap suspends the active frame until a wake time.
	TransitionNap

	// TransitionPush starts a child program above the active frame.
	TransitionPush

	// TransitionExit terminates the active frame.
	TransitionExit
)

// String returns the transition kind name.
func (k TransitionKind) String() string {
	switch k {
	case TransitionHop:
		return "hop"
	case TransitionNap:
		return "nap"
	case TransitionPush:
		return "push"
	case TransitionExit:
		return "exit"
	default:
		return "none"
	}
}

// Transition is the outcome of a single step. Steps obtain one from the
// Nexus flow-control methods and return it to the runner.
type Transition struct {
	Kind   TransitionKind
	Label  string
	Nap    time.Duration
	Prog   string
	Args   json.RawMessage
	Result json.RawMessage

	// unwind discards pushed children before a hop on the bottom frame.
	unwind   bool
	deadline *Deadline
	err      error
}

// Err returns any error captured while building the transition.
func (t Transition) Err() error {
	return t.err
}
