package server

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/LavishGent/tilepipe/internal/pipeline"
	"github.com/LavishGent/tilepipe/internal/tile"
)

// TileStateHeader carries the freshness of the served tile.
const TileStateHeader = "X-Tile-State"

// waiters routes pipeline events to the requests blocked on a tile.
type waiters struct {
	mu   sync.Mutex
	byID map[tile.Index]map[chan pipeline.Event]struct{}
}

func newWaiters() *waiters {
	return &waiters{byID: make(map[tile.Index]map[chan pipeline.Event]struct{})}
}

func (w *waiters) add(idx tile.Index) chan pipeline.Event {
	ch := make(chan pipeline.Event, 4)
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.byID[idx]
	if !ok {
		set = make(map[chan pipeline.Event]struct{})
		w.byID[idx] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (w *waiters) remove(idx tile.Index, ch chan pipeline.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.byID[idx]
	delete(set, ch)
	if len(set) == 0 {
		delete(w.byID, idx)
	}
}

func (w *waiters) notify(ev pipeline.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.byID[ev.Index] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func parseTile(c *gin.Context) (tile.Index, bool) {
	y, _, _ := strings.Cut(c.Param("y"), ".")
	z, errZ := strconv.Atoi(c.Param("z"))
	x, errX := strconv.Atoi(c.Param("x"))
	row, errY := strconv.Atoi(y)
	if errZ != nil || errX != nil || errY != nil || z < 0 || z > tile.MaxZoom || x < 0 || row < 0 {
		return 0, false
	}
	idx := tile.New(z, x, row)
	return idx, idx.Valid() && idx.X() == x && idx.Y() == row
}

// handleTile serves the tile as PNG. Fresh cached tiles are served at
// once; otherwise the handler waits for the pipeline to finish the
// request, up to the tile timeout, and falls back to a stale copy.
func (s *Server) handleTile(c *gin.Context) {
	idx, ok := parseTile(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tile coordinates"})
		return
	}

	ch := s.waiters.add(idx)
	defer s.waiters.remove(idx, ch)

	s.pipeline.RequestTile(idx)
	if t, ok := s.pipeline.Cache().Get(idx); ok && (t.State == tile.StateUpToDate || !s.pipeline.Contains(idx)) {
		s.writeTile(c, t)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.tileTimeout)
	defer cancel()

	for {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case pipeline.EventExpired:
				continue
			case pipeline.EventFailed:
				c.JSON(http.StatusNotFound, gin.H{"error": "tile not found", "tile": idx.String()})
				return
			case pipeline.EventQueueFull:
				c.Header("Retry-After", "1")
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider queue full", "tile": idx.String()})
				return
			}
			if t, ok := s.pipeline.Cache().Get(idx); ok {
				s.writeTile(c, t)
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "tile evicted before it was served", "tile": idx.String()})
			return
		case <-ctx.Done():
			if t, ok := s.pipeline.Cache().Get(idx); ok {
				s.writeTile(c, t)
				return
			}
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out loading tile", "tile": idx.String()})
			return
		}
	}
}

func (s *Server) writeTile(c *gin.Context, t tile.Tile) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, t.Image); err != nil {
		s.logger.Error("Failed to encode tile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode tile"})
		return
	}
	c.Header(TileStateHeader, t.State.String())
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
