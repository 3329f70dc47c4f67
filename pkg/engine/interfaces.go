package engine

import (
	"context"
	"time"
)

// StepFunc executes one label of a program. It must return exactly one
// transition built by the Nexus (Hop, Nap, Push or Exit).
type StepFunc func(ctx context.Context, nx *Nexus) (Transition, error)

// Program is a named state machine bound to strand frames.
type Program interface {
	// Name is the registry key stored in each frame.
	Name() string

	// InitialLabel is the label a new frame starts at.
	InitialLabel() string

	// DestroyLabel is the label before-run redirects to when destruction is
	// requested. An empty string disables the redirect.
	DestroyLabel() string

	// Step returns the function for label.
	Step(label string) (StepFunc, bool)
}

// BeforeRunner lets a program run its own hook ahead of the default
// destroy redirect. Returning a transition with a zero Kind falls through
// to the default hook and then to the active label.
type BeforeRunner interface {
	BeforeRun(ctx context.Context, nx *Nexus) (Transition, error)
}

// Labels is a convenience lookup table for Program.Step implementations.
type Labels map[string]StepFunc

// Step returns the function registered for label.
func (l Labels) Step(label string) (StepFunc, bool) {
	fn, ok := l[label]
	return fn, ok
}

// StrandStore persists strands and arbitrates leases.
// Every mutating call other than CreateStrand, RequestDestroy and Wake
// must be rejected with a lease-lost conflict unless owner holds an
// unexpired lease.
type StrandStore interface {
	// CreateStrand inserts a new strand.
	CreateStrand(ctx context.Context, st *Strand) error

	// GetStrand loads a strand by ID.
	GetStrand(ctx context.Context, id string) (*Strand, error)

	// LeaseDueStrands atomically claims up to limit strands that are not
	// done, not leased (or whose lease expired), and whose wake time or
	// unreported deadline has passed.
	LeaseDueStrands(ctx context.Context, owner string, now time.Time, ttl time.Duration, limit int) ([]*Strand, error)

	// RenewLease extends a held lease and returns the new expiry.
	RenewLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (time.Time, error)

	// SaveStrand persists stack, wake time, deadlines and exit state in one
	// write. The destroy flag is never overwritten; if it was raised after
	// the caller loaded the strand, the stored wake time is cleared.
	SaveStrand(ctx context.Context, st *Strand, owner string, now time.Time) error

	// ReleaseLease gives up a held lease.
	ReleaseLease(ctx context.Context, id, owner string) error

	// RequestDestroy raises the destroy flag and makes the strand due.
	RequestDestroy(ctx context.Context, id string) error

	// Wake clears the wake time so the strand is due on the next poll.
	Wake(ctx context.Context, id string) error
}
