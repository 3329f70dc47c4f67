package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// memStrandStore is an in-memory StrandStore with the same lease rules as
// the SQLite store.
type memStrandStore struct {
	mu      sync.Mutex
	strands map[string]*Strand
	saves   int
}

func newMemStrandStore() *memStrandStore {
	return &memStrandStore{strands: make(map[string]*Strand)}
}

func (m *memStrandStore) CreateStrand(ctx context.Context, st *Strand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strands[st.ID]; ok {
		return NewConflictError("strand exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	m.strands[st.ID] = st.Clone()
	return nil
}

func (m *memStrandStore) GetStrand(ctx context.Context, id string) (*Strand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strands[id]
	if !ok {
		return nil, NewNotFoundError("strand", id)
	}
	return st.Clone(), nil
}

func (m *memStrandStore) LeaseDueStrands(ctx context.Context, owner string, now time.Time, ttl time.Duration, limit int) ([]*Strand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.strands))
	for id := range m.strands {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*Strand
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		st := m.strands[id]
		if st.Done {
			continue
		}
		if st.LeaseOwner != "" && st.LeaseExpiresAt != nil && st.LeaseExpiresAt.After(now) {
			continue
		}
		due := st.WakeAt == nil || !st.WakeAt.After(now)
		if d := st.DeadlineAt(); d != nil && !d.After(now) {
			due = true
		}
		if !due {
			continue
		}
		expires := now.Add(ttl)
		st.LeaseOwner = owner
		st.LeaseExpiresAt = &expires
		out = append(out, st.Clone())
	}
	return out, nil
}

func (m *memStrandStore) held(st *Strand, owner string, now time.Time) bool {
	return st.LeaseOwner == owner && st.LeaseExpiresAt != nil && st.LeaseExpiresAt.After(now)
}

func (m *memStrandStore) RenewLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strands[id]
	if !ok || !m.held(st, owner, now) {
		return time.Time{}, NewLeaseLostError(id, owner)
	}
	expires := now.Add(ttl)
	st.LeaseExpiresAt = &expires
	return expires, nil
}

func (m *memStrandStore) SaveStrand(ctx context.Context, st *Strand, owner string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.strands[st.ID]
	if !ok || !m.held(cur, owner, now) {
		return NewLeaseLostError(st.ID, owner)
	}
	rec := st.Clone()
	rec.LeaseOwner = cur.LeaseOwner
	rec.LeaseExpiresAt = cur.LeaseExpiresAt
	rec.DestroyRequested = cur.DestroyRequested
	if cur.DestroyRequested && !st.DestroyRequested {
		rec.WakeAt = nil
	}
	rec.UpdatedAt = now
	m.strands[st.ID] = rec
	m.saves++
	return nil
}

func (m *memStrandStore) ReleaseLease(ctx context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strands[id]
	if !ok || st.LeaseOwner != owner {
		return NewLeaseLostError(id, owner)
	}
	st.LeaseOwner = ""
	st.LeaseExpiresAt = nil
	return nil
}

func (m *memStrandStore) RequestDestroy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strands[id]
	if !ok {
		return NewNotFoundError("strand", id)
	}
	st.DestroyRequested = true
	st.WakeAt = nil
	return nil
}

func (m *memStrandStore) Wake(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strands[id]
	if !ok {
		return NewNotFoundError("strand", id)
	}
	st.WakeAt = nil
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testProg is a Program assembled from a label table.
type testProg struct {
	name    string
	initial string
	destroy string
	labels  Labels
}

func (p *testProg) Name() string                       { return p.name }
func (p *testProg) InitialLabel() string               { return p.initial }
func (p *testProg) DestroyLabel() string               { return p.destroy }
func (p *testProg) Step(label string) (StepFunc, bool) { return p.labels.Step(label) }

// eventRecorder captures published telemetry events.
type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func newTestTelemetry(t interface{ Fatalf(string, ...interface{}) }) (*telemetry.Telemetry, *eventRecorder) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("failed to create event publisher: %v", err)
	}
	rec := &eventRecorder{}
	ep.Subscribe(func(e telemetry.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, e)
	}, nil)
	return &telemetry.Telemetry{Events: ep}, rec
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
