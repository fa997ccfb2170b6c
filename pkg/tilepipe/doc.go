// Package tilepipe provides a tile pipeline for slippy map clients: a
// bounded cache of decoded tiles in front of a chain of tile providers.
//
// A request for a tile returns the best image the cache holds right away
// and, when that image is missing or stale, walks the provider chain in
// the background. Listeners are told when a better tile has arrived so
// the map can repaint.
//
// # Features
//
//   - Provider chain: bundled assets, a persistent store (memory, Redis and
//     SQLite tiers), zip, tar and MBTiles archives, an HTTP downloader and
//     an approximator that crops lower zoom tiles
//   - Freshness precedence: up to date, expired, scaled and not found tiles
//     never overwrite a better copy
//   - Bounded provider queues: a saturated provider drops the request
//     instead of blocking the caller
//   - Rescaling: switching zoom fills the new level from the tiles of the
//     old one while the real tiles load
//   - Pre-cache: tiles around the visible area are loaded ahead of time
//   - Observability: metrics tracking with Prometheus, DataDog and logging
//     publishers
//
// # Quick Start
//
//	p, err := tilepipe.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Detach()
//
//	p.AddListener(func(ev tilepipe.Event) {
//	    if ev.Kind == tilepipe.EventLoaded {
//	        repaint(ev.Index)
//	    }
//	})
//	img := p.RequestTile(tilepipe.NewIndex(12, 2048, 1361))
//
// # Offline use
//
// Serve tiles from archives only, without touching the network:
//
//	cfg := tilepipe.Config()
//	cfg.Network.Enabled = false
//	cfg.Store.Enabled = false
//	cfg.Archive.Enabled = true
//	cfg.Archive.Paths = []string{"tiles.mbtiles"}
//	p, err := tilepipe.NewFromConfig(ctx, cfg)
//
// # Configuration
//
// Load configuration from a JSON file, with TILEPIPE_ environment
// overrides:
//
//	p, err := tilepipe.NewFromFile(ctx, "config.json")
//
// For testing, use the test configuration, which disables every provider
// that touches the disk or the network:
//
//	cfg := tilepipe.TestConfig()
//
// # Thread Safety
//
// Every method of a Pipeline may be called from any goroutine. Listeners
// run on provider goroutines and must not block.
package tilepipe
