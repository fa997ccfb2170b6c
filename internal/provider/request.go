package provider

import (
	"sync"

	"github.com/google/uuid"

	"github.com/LavishGent/tilepipe/internal/tile"
)

// RequestState walks one tile request through the provider chain. The
// cursor only moves forward; once it is exhausted no provider can be
// obtained from the state any more.
type RequestState struct {
	ID uuid.UUID
	// Generation is the tile source generation the request was issued
	// under. Results of an older generation are discarded.
	Generation uint64
	index      tile.Index

	mu        sync.Mutex
	providers []*Module
	cursor    int
	current   *Module
}

// NewRequestState creates a request for idx over a snapshot of modules.
func NewRequestState(idx tile.Index, modules []*Module) *RequestState {
	return &RequestState{
		ID:        uuid.New(),
		index:     idx,
		providers: append([]*Module(nil), modules...),
	}
}

// Index returns the requested tile.
func (r *RequestState) Index() tile.Index {
	return r.index
}

// IsEmpty reports whether every provider has been handed out.
func (r *RequestState) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor >= len(r.providers)
}

// Next advances the cursor and returns the provider under it, or nil
// once the chain is exhausted.
func (r *RequestState) Next() *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= len(r.providers) {
		r.current = nil
		return nil
	}
	r.current = r.providers[r.cursor]
	r.cursor++
	return r.current
}

// Current returns the provider most recently handed out.
func (r *RequestState) Current() *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// CurrentName returns the name of the current provider, "" when none.
func (r *RequestState) CurrentName() string {
	if m := r.Current(); m != nil {
		return m.Name()
	}
	return ""
}
