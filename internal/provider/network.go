package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/resilience"
	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

const (
	maxRedirects = 3
	maxTileBytes = 8 << 20
)

// NetworkOptions configures a NetworkProvider.
type NetworkOptions struct {
	// Client defaults to a client with the configured timeout.
	Client *http.Client
	// Writer receives every downloaded tile before it is decoded.
	Writer types.TileWriter
	// Policy wraps each download; defaults to no retry and no breaker.
	Policy  resilience.Executor
	Metrics types.MetricsRecorder
	Logger  *slog.Logger
}

// NetworkProvider downloads tiles from the URL templates of the active
// tile source, rotating over them.
type NetworkProvider struct {
	sourceHolder
	client         *http.Client
	writer         types.TileWriter
	policy         resilience.Executor
	expiryOverride time.Duration
	metrics        types.MetricsRecorder
	logger         *slog.Logger

	rotation atomic.Uint32
	now      func() time.Time
}

// NewNetworkProvider creates a downloader for src.
func NewNetworkProvider(src tile.Source, cfg config.NetworkConfig, opts NetworkOptions) *NetworkProvider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if client.CheckRedirect == nil {
		c := *client
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
		client = &c
	}
	policy := opts.Policy
	if policy == nil {
		policy = resilience.NewDisabledPolicy()
	}

	p := &NetworkProvider{
		client:         client,
		writer:         opts.Writer,
		policy:         policy,
		expiryOverride: cfg.ExpiryOverride,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "downloader"),
		now:            time.Now,
	}
	p.SetTileSource(src)
	return p
}

func (p *NetworkProvider) Name() string {
	return "network"
}

func (p *NetworkProvider) NeedsConnectivity() bool {
	return true
}

// AllowsPrefetch reports whether the active source permits downloading
// tiles ahead of demand.
func (p *NetworkProvider) AllowsPrefetch() bool {
	return p.source().AllowPrefetch
}

// CircuitState exposes the download breaker for health reporting.
func (p *NetworkProvider) CircuitState() resilience.State {
	return p.policy.CircuitState()
}

// Load implements Provider. A 404 answer is a miss; other failures are
// retried according to the policy.
func (p *NetworkProvider) Load(ctx context.Context, idx tile.Index) (tile.Tile, error) {
	src := p.source()
	if len(src.URLs) == 0 {
		return tile.Tile{}, types.ErrTileNotFound
	}
	url := src.URL(idx, p.rotation.Add(1)-1)

	var blob types.Blob
	err := p.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		blob, err = p.download(ctx, src, url)
		return err
	})
	if types.IsTileNotFound(err) {
		return tile.Tile{}, types.ErrTileNotFound
	}
	if err != nil {
		return tile.Tile{}, types.NewTileError("download", idx, p.Name(), err)
	}

	if p.writer != nil {
		start := time.Now()
		if err := p.writer.Save(ctx, src.Name, idx, blob); err != nil {
			p.logger.Warn("Failed to save downloaded tile", "tile", idx, "error", err)
			if p.metrics != nil {
				p.metrics.RecordError(p.Name(), "save", err)
			}
		} else if p.metrics != nil {
			p.metrics.RecordStoreWrite("network", len(blob.Data), time.Since(start))
		}
	}

	img, err := Decode(blob.Data)
	if err != nil {
		return tile.Tile{}, types.NewTileError("decode", idx, p.Name(), err)
	}
	return tile.Tile{Image: img, State: tile.StateUpToDate}, nil
}

func (p *NetworkProvider) download(ctx context.Context, src tile.Source, url string) (types.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.Blob{}, fmt.Errorf("build request: %w", err)
	}
	if src.UserAgent != "" {
		req.Header.Set("User-Agent", src.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return types.Blob{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.Blob{}, types.ErrTileNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.Blob{}, &types.HTTPStatusError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), p.now()),
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "image") {
		p.logger.Debug("Tile answer does not look like an image", "url", url, "contentType", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return types.Blob{}, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxTileBytes {
		return types.Blob{}, fmt.Errorf("%w: tile larger than %d bytes", types.ErrDecodeFailed, maxTileBytes)
	}

	return types.Blob{Data: data, Expires: p.expiry(resp.Header, src)}, nil
}

// expiry derives when a downloaded tile goes stale: the override when
// set, then Cache-Control max-age, then Expires, then the source default.
// A zero time means the tile never expires.
func (p *NetworkProvider) expiry(h http.Header, src tile.Source) time.Time {
	now := p.now()
	if p.expiryOverride > 0 {
		return now.Add(p.expiryOverride)
	}
	if maxAge, ok := parseMaxAge(h.Get("Cache-Control")); ok {
		return now.Add(maxAge)
	}
	if v := h.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	if src.Expiry > 0 {
		return now.Add(src.Expiry)
	}
	return time.Time{}
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// parseRetryAfter accepts both forms of the header: delay seconds or an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
