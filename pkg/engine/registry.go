package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Registry maps program names to programs.
type Registry struct {
	// mu protects programs.
	mu sync.RWMutex

	// programs maps program name to program.
	programs map[string]Program
}

// NewRegistry creates a registry holding the given programs.
func NewRegistry(programs ...Program) *Registry {
	r := &Registry{programs: make(map[string]Program)}
	for _, p := range programs {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a program.
func (r *Registry) Register(p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[p.Name()] = p
}

// Lookup returns the program registered under name.
func (r *Registry) Lookup(name string) (Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.programs[name]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("program %q is not registered", name), nil).
			WithCode(ErrCodeUnknownProgram)
	}
	return p, nil
}

// NewStrand builds an unsaved strand for subjectID bound to prog at its
// initial label.
func NewStrand(subjectID string, prog Program, args interface{}, now time.Time) (*Strand, error) {
	if subjectID == "" {
		return nil, NewValidationError("strand subject id is required", nil)
	}

	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal strand args: %w", err)
		}
		raw = b
	}

	return &Strand{
		ID: subjectID,
		Stack: []Frame{{
			Prog:  prog.Name(),
			Label: prog.InitialLabel(),
			Args:  raw,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
