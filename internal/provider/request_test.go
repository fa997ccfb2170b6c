package provider

import (
	"testing"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/tile"
)

func TestRequestStateCursor(t *testing.T) {
	a := NewModule(newFakeProvider("a", 0, 5), config.BulkheadConfig{}, ModuleOptions{})
	b := NewModule(newFakeProvider("b", 0, 20), config.BulkheadConfig{}, ModuleOptions{})
	modules := []*Module{a, b}

	state := NewRequestState(tile.New(3, 1, 1), modules)
	modules[0] = nil // the state keeps its own snapshot

	if state.Index() != tile.New(3, 1, 1) {
		t.Errorf("Index() = %v", state.Index())
	}
	if state.IsEmpty() {
		t.Fatal("IsEmpty() = true before any Next")
	}
	if state.Current() != nil {
		t.Error("Current() before Next should be nil")
	}

	if got := state.Next(); got != a {
		t.Fatalf("first Next() = %v, want a", got)
	}
	if state.CurrentName() != "a" {
		t.Errorf("CurrentName() = %q, want a", state.CurrentName())
	}
	if got := state.Next(); got != b {
		t.Fatalf("second Next() = %v, want b", got)
	}
	if !state.IsEmpty() {
		t.Error("IsEmpty() = false after handing out every provider")
	}
	if got := state.Next(); got != nil {
		t.Errorf("Next() on exhausted state = %v, want nil", got)
	}
	if got := state.Next(); got != nil {
		t.Errorf("cursor moved back: Next() = %v", got)
	}
	if state.CurrentName() != "" {
		t.Errorf("CurrentName() after exhaustion = %q", state.CurrentName())
	}
}

func TestRequestStateEmptyChain(t *testing.T) {
	state := NewRequestState(tile.New(1, 0, 0), nil)
	if !state.IsEmpty() {
		t.Error("request without providers should be empty")
	}
	if state.Next() != nil {
		t.Error("Next() on empty chain should be nil")
	}
}

func TestRequestStateIDs(t *testing.T) {
	a := NewRequestState(tile.New(1, 0, 0), nil)
	b := NewRequestState(tile.New(1, 0, 0), nil)
	if a.ID == b.ID {
		t.Error("request ids should be unique")
	}
}
