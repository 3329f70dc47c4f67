package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

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

type fakeSession struct{ closed bool }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeTarget returns scripted readings per probe kind.
type fakeTarget struct {
	mu       sync.Mutex
	key      string
	parentID string
	policy   Policy
	probes   []ProbeSpec
	readings map[string]Reading
	probeErr error
	dialErr  error
	sessions []*fakeSession
	probed   []string
}

func newFakeTarget(key, parentID string) *fakeTarget {
	return &fakeTarget{
		key:      key,
		parentID: parentID,
		policy:   DefaultPolicy(),
		probes:   []ProbeSpec{{Kind: "ipv4", Enabled: true}},
		readings: map[string]Reading{"ipv4": ReadingUp},
	}
}

func (f *fakeTarget) Key() string         { return f.key }
func (f *fakeTarget) ParentID() string    { return f.parentID }
func (f *fakeTarget) Policy() Policy      { return f.policy }
func (f *fakeTarget) Probes() []ProbeSpec { return f.probes }

func (f *fakeTarget) OpenSession(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeTarget) Probe(ctx context.Context, sess Session, kind string) (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, kind)
	if f.probeErr != nil {
		return "", f.probeErr
	}
	return f.readings[kind], nil
}

func (f *fakeTarget) set(kind string, r Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[kind] = r
}

type healthRecord struct {
	state State
	pulse Pulse
}

type memStateStore struct {
	mu      sync.Mutex
	records map[string]healthRecord
	saves   int
}

func newMemStateStore() *memStateStore {
	return &memStateStore{records: make(map[string]healthRecord)}
}

func (s *memStateStore) LoadHealth(ctx context.Context, key string) (State, Pulse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return StateDown, Pulse{}, nil
	}
	return rec.state, rec.pulse, nil
}

func (s *memStateStore) RecordHealth(ctx context.Context, key string, state State, pulse Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = healthRecord{state: state, pulse: pulse}
	s.saves++
	return nil
}

func (s *memStateStore) seed(key string, state State, pulse Pulse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = healthRecord{state: state, pulse: pulse}
}

func (s *memStateStore) get(key string) healthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key]
}

// memSignaler is a test-and-set flag per parent.
type memSignaler struct {
	mu      sync.Mutex
	pending map[string]bool
	calls   int
	raised  int
	err     error
}

func newMemSignaler() *memSignaler {
	return &memSignaler{pending: make(map[string]bool)}
}

func (s *memSignaler) MarkRebuildPending(ctx context.Context, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	if s.pending[parentID] {
		return false, nil
	}
	s.pending[parentID] = true
	s.raised++
	return true, nil
}

func (s *memSignaler) consume(parentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.pending[parentID]
	s.pending[parentID] = false
	return was
}

type staticSource struct {
	mu      sync.Mutex
	targets []Target
	err     error
}

func (s *staticSource) ListTargets(ctx context.Context) ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Target(nil), s.targets...), nil
}

func (s *staticSource) set(targets ...Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
}

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

var errDial = errors.New("connection refused")
