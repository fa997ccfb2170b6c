package metrics

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LavishGent/tilepipe/internal/config"
	"github.com/LavishGent/tilepipe/internal/types"
)

// PrometheusPublisher exposes published metrics for scraping. Statsd style
// names ("provider.load") become snake case collectors and "key:value" tags
// become labels. A metric keeps the label names of its first observation;
// later observations with other tag keys are dropped.
type PrometheusPublisher struct {
	registry  *prometheus.Registry
	namespace string
	logger    *slog.Logger

	mu         sync.Mutex
	counters   map[string]*labeledCounter
	histograms map[string]*labeledHistogram
	gauges     map[string]*labeledGauge

	cachedTiles     prometheus.Gauge
	cacheCapacity   prometheus.Gauge
	cacheUsage      prometheus.Gauge
	inFlight        prometheus.Gauge
	hitRatio        prometheus.Gauge
	avgLatency      prometheus.Gauge
	queueRejections prometheus.Gauge
	storeConnected  prometheus.Gauge
}

type labeledCounter struct {
	vec    *prometheus.CounterVec
	labels []string
}

type labeledHistogram struct {
	vec    *prometheus.HistogramVec
	labels []string
}

type labeledGauge struct {
	vec    *prometheus.GaugeVec
	labels []string
}

// NewPrometheusPublisher registers the health collectors on a fresh registry.
func NewPrometheusPublisher(cfg config.PrometheusConfig, logger *slog.Logger) *PrometheusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	ns := sanitizeName(cfg.Namespace)

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	return &PrometheusPublisher{
		registry:        reg,
		namespace:       ns,
		logger:          logger.With("component", "prometheus"),
		counters:        make(map[string]*labeledCounter),
		histograms:      make(map[string]*labeledHistogram),
		gauges:          make(map[string]*labeledGauge),
		cachedTiles:     gauge("cache_tiles", "Decoded tiles held by the tile cache"),
		cacheCapacity:   gauge("cache_capacity", "Capacity of the tile cache"),
		cacheUsage:      gauge("cache_usage_ratio", "Tile cache size divided by capacity"),
		inFlight:        gauge("pipeline_in_flight", "Tiles currently being sourced"),
		hitRatio:        gauge("cache_hit_ratio", "Share of tile requests answered from the cache"),
		avgLatency:      gauge("provider_average_latency_ms", "Average provider load latency"),
		queueRejections: gauge("provider_queue_rejections", "Requests rejected by full provider queues"),
		storeConnected:  gauge("store_connected", "1 when the shared tile store is reachable"),
	}
}

// Registry returns the registry holding every collector of this publisher.
func (p *PrometheusPublisher) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusPublisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusPublisher) Gauge(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)

	p.mu.Lock()
	g, ok := p.gauges[name]
	if !ok {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      sanitizeName(name),
			Help:      "Gauge " + name,
		}, keys)
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		g = &labeledGauge{vec: vec, labels: keys}
		p.gauges[name] = g
	}
	p.mu.Unlock()

	if !slices.Equal(g.labels, keys) {
		p.logger.Debug("Dropping gauge with mismatched tags", "name", name, "tags", tags)
		return
	}
	g.vec.WithLabelValues(values...).Set(value)
}

func (p *PrometheusPublisher) Incr(name string, tags ...string) {
	p.Count(name, 1, tags...)
}

func (p *PrometheusPublisher) Count(name string, value int64, tags ...string) {
	if value < 0 {
		return
	}
	keys, values := splitTags(tags)

	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      sanitizeName(name) + "_total",
			Help:      "Counter " + name,
		}, keys)
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		c = &labeledCounter{vec: vec, labels: keys}
		p.counters[name] = c
	}
	p.mu.Unlock()

	if !slices.Equal(c.labels, keys) {
		p.logger.Debug("Dropping counter with mismatched tags", "name", name, "tags", tags)
		return
	}
	c.vec.WithLabelValues(values...).Add(float64(value))
}

func (p *PrometheusPublisher) Histogram(name string, value float64, tags ...string) {
	p.observe(name, "", prometheus.ExponentialBuckets(256, 4, 8), value, tags)
}

func (p *PrometheusPublisher) Timing(name string, duration time.Duration, tags ...string) {
	p.observe(name, "_seconds", prometheus.DefBuckets, duration.Seconds(), tags)
}

func (p *PrometheusPublisher) observe(name, suffix string, buckets []float64, value float64, tags []string) {
	keys, values := splitTags(tags)
	key := name + suffix

	p.mu.Lock()
	h, ok := p.histograms[key]
	if !ok {
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      sanitizeName(name) + suffix,
			Help:      "Distribution of " + name,
			Buckets:   buckets,
		}, keys)
		if !p.register(key, vec) {
			p.mu.Unlock()
			return
		}
		h = &labeledHistogram{vec: vec, labels: keys}
		p.histograms[key] = h
	}
	p.mu.Unlock()

	if !slices.Equal(h.labels, keys) {
		p.logger.Debug("Dropping observation with mismatched tags", "name", name, "tags", tags)
		return
	}
	h.vec.WithLabelValues(values...).Observe(value)
}

// Event counts events by alert type; Prometheus has no event stream.
func (p *PrometheusPublisher) Event(title, text, alertType string, tags ...string) {
	p.Incr("events", Tag("alert_type", alertType))
}

func (p *PrometheusPublisher) PublishHealthMetrics(m *types.PublisherHealthMetrics) {
	if m == nil {
		return
	}

	p.cachedTiles.Set(float64(m.CachedTiles))
	p.cacheCapacity.Set(float64(m.CacheCapacity))
	p.cacheUsage.Set(m.CacheUsageRatio)
	p.inFlight.Set(float64(m.InFlight))
	p.hitRatio.Set(m.HitRatio)
	p.avgLatency.Set(m.AverageLatencyMs)
	p.queueRejections.Set(float64(m.QueueRejections))
	if m.StoreConnected {
		p.storeConnected.Set(1)
	} else {
		p.storeConnected.Set(0)
	}
}

// Close does nothing; the registry lives as long as the publisher.
func (p *PrometheusPublisher) Close() error {
	return nil
}

// register must be called with p.mu held.
func (p *PrometheusPublisher) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Debug("Failed to register collector", "name", name, "error", err)
		return false
	}
	return true
}

// splitTags turns "key:value" tags into label names and values sorted by name.
// Tags without a colon become a label named after the tag with value "true".
func splitTags(tags []string) (keys, values []string) {
	if len(tags) == 0 {
		return nil, nil
	}
	sorted := slices.Clone(tags)
	slices.Sort(sorted)

	keys = make([]string, 0, len(sorted))
	values = make([]string, 0, len(sorted))
	for _, tag := range sorted {
		k, v, ok := strings.Cut(tag, ":")
		if !ok {
			v = "true"
		}
		k = sanitizeName(k)
		if len(keys) > 0 && keys[len(keys)-1] == k {
			continue
		}
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

var _ types.Publisher = (*PrometheusPublisher)(nil)
