package pipeline

import "github.com/LavishGent/tilepipe/internal/tile"

// EventKind tells listeners how a tile request ended or progressed.
type EventKind int

const (
	// EventLoaded means a fresh tile, or the not-found placeholder, was cached.
	EventLoaded EventKind = iota + 1
	// EventExpired means a stale or scaled tile was cached while the chain
	// keeps looking for a fresh one.
	EventExpired
	// EventFailed means no provider had the tile.
	EventFailed
	// EventQueueFull means the request was dropped by a saturated provider.
	EventQueueFull
	// EventDone closes a request that found only an expired tile.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventExpired:
		return "expired"
	case EventFailed:
		return "failed"
	case EventQueueFull:
		return "queue_full"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is sent to listeners once per outcome. Provider is empty when no
// provider was involved.
type Event struct {
	Index    tile.Index
	Kind     EventKind
	Provider string
}

// Listener is called from provider goroutines and must not block.
type Listener func(Event)
