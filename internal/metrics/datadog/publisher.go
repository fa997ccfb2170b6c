// Package datadog publishes pipeline metrics to a DogStatsD agent.
package datadog

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/metrics"
	"github.com/LavishGent/tilepipe/internal/types"
)

// Publisher sends metrics over DogStatsD. Counters and timings are emitted
// once per tile request, so they go out at the configured sample rate;
// gauges and events are never sampled.
type Publisher struct {
	client statsd.ClientInterface
	rate   float64
	logger *slog.Logger
}

// NewPublisher connects to the agent described by cfg, or returns a no-op
// publisher when DataDog is disabled.
func NewPublisher(cfg *config.DataDogConfig, logger *slog.Logger) (types.Publisher, error) {
	if !cfg.Enabled {
		return metrics.NewNoOpPublisher(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.AgentHost, strconv.Itoa(cfg.Port))
	opts := []statsd.Option{
		statsd.WithNamespace(cfg.Prefix + "."),
		statsd.WithTags(cfg.Tags),
		statsd.WithoutTelemetry(),
	}
	if cfg.ClientAggregation {
		opts = append(opts, statsd.WithClientSideAggregation())
	} else {
		opts = append(opts, statsd.WithoutClientSideAggregation())
	}

	client, err := statsd.New(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client: %w", err)
	}

	logger.Info("DataDog publisher initialized", "address", addr, "prefix", cfg.Prefix, "sampleRate", cfg.SampleRate)
	return newPublisher(client, cfg.SampleRate, logger), nil
}

func newPublisher(client statsd.ClientInterface, rate float64, logger *slog.Logger) *Publisher {
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	return &Publisher{
		client: client,
		rate:   rate,
		logger: logger.With("component", "datadog"),
	}
}

func (p *Publisher) Gauge(name string, value float64, tags ...string) {
	p.check("gauge", name, p.client.Gauge(name, value, tags, 1))
}

func (p *Publisher) Incr(name string, tags ...string) {
	p.check("incr", name, p.client.Incr(name, tags, p.rate))
}

func (p *Publisher) Count(name string, value int64, tags ...string) {
	p.check("count", name, p.client.Count(name, value, tags, p.rate))
}

func (p *Publisher) Histogram(name string, value float64, tags ...string) {
	p.check("histogram", name, p.client.Histogram(name, value, tags, p.rate))
}

func (p *Publisher) Timing(name string, duration time.Duration, tags ...string) {
	p.check("timing", name, p.client.Timing(name, duration, tags, p.rate))
}

func (p *Publisher) Event(title, text, alertType string, tags ...string) {
	p.check("event", title, p.client.Event(&statsd.Event{
		Title:     title,
		Text:      text,
		AlertType: statsd.EventAlertType(alertType),
		Tags:      tags,
	}))
}

// PublishHealthMetrics sends the health snapshot as gauges.
func (p *Publisher) PublishHealthMetrics(m *types.PublisherHealthMetrics) {
	if m == nil {
		return
	}

	p.Gauge("cache.tiles", float64(m.CachedTiles))
	p.Gauge("cache.capacity", float64(m.CacheCapacity))
	p.Gauge("cache.usage_ratio", min(max(m.CacheUsageRatio, 0), 1))
	p.Gauge("cache.hit_ratio", min(max(m.HitRatio, 0), 1))
	p.Gauge("pipeline.in_flight", float64(m.InFlight))
	p.Gauge("provider.queue_rejections", float64(m.QueueRejections))
	p.Gauge("provider.average_latency_ms", max(m.AverageLatencyMs, 0))

	connected := 0.0
	if m.StoreConnected {
		connected = 1
	}
	p.Gauge("store.connected", connected)
}

// Close flushes buffered metrics.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) check(kind, name string, err error) {
	if err != nil {
		p.logger.Debug("Failed to send metric", "kind", kind, "name", name, "error", err)
	}
}

var _ types.Publisher = (*Publisher)(nil)
