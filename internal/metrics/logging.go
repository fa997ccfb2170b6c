package metrics

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

// cachePressure is the usage ratio above which health snapshots are
// logged as warnings.
const cachePressure = 0.95

// LoggingPublisher writes metrics to slog. Per-request metrics go out at
// debug level; health snapshots at info, or warn when the tile cache is
// nearly full.
type LoggingPublisher struct {
	logger   *slog.Logger
	baseTags []string
}

func NewLoggingPublisher(logger *slog.Logger, baseTags ...string) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{
		logger:   logger.With("component", "metrics"),
		baseTags: slices.Clip(baseTags),
	}
}

func (p *LoggingPublisher) Gauge(name string, value float64, tags ...string) {
	p.debug("gauge", name, slog.Float64("value", value), tags)
}

func (p *LoggingPublisher) Incr(name string, tags ...string) {
	p.debug("incr", name, slog.Int64("value", 1), tags)
}

func (p *LoggingPublisher) Count(name string, value int64, tags ...string) {
	p.debug("count", name, slog.Int64("value", value), tags)
}

func (p *LoggingPublisher) Histogram(name string, value float64, tags ...string) {
	p.debug("histogram", name, slog.Float64("value", value), tags)
}

func (p *LoggingPublisher) Timing(name string, duration time.Duration, tags ...string) {
	p.debug("timing", name, slog.Duration("duration", duration), tags)
}

func (p *LoggingPublisher) debug(kind, name string, value slog.Attr, tags []string) {
	p.logger.Debug("Metric", "kind", kind, "name", name, value, "tags", p.mergeTags(tags))
}

func (p *LoggingPublisher) Event(title, text, alertType string, tags ...string) {
	level := slog.LevelInfo
	if alertType == "warning" || alertType == "error" {
		level = slog.LevelWarn
	}
	p.logger.Log(context.Background(), level, title, "text", text, "alertType", alertType, "tags", p.mergeTags(tags))
}

func (p *LoggingPublisher) PublishHealthMetrics(m *types.PublisherHealthMetrics) {
	if m == nil {
		return
	}

	level := slog.LevelInfo
	if m.CacheUsageRatio >= cachePressure {
		level = slog.LevelWarn
	}
	p.logger.Log(context.Background(), level, "Pipeline health",
		slog.Group("cache",
			"tiles", m.CachedTiles,
			"capacity", m.CacheCapacity,
			"usage", m.CacheUsageRatio,
			"hitRatio", m.HitRatio,
		),
		slog.Group("providers",
			"inFlight", m.InFlight,
			"avgLatencyMs", m.AverageLatencyMs,
			"queueRejections", m.QueueRejections,
		),
		"storeConnected", m.StoreConnected,
	)
}

func (p *LoggingPublisher) Close() error {
	return nil
}

// mergeTags never appends into baseTags, which are clipped on construction.
func (p *LoggingPublisher) mergeTags(tags []string) []string {
	if len(tags) == 0 {
		return p.baseTags
	}
	return append(p.baseTags, tags...)
}

var _ types.Publisher = (*LoggingPublisher)(nil)
