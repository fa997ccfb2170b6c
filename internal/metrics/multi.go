package metrics

import (
	"errors"
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

// MultiPublisher fans every metric out to several publishers.
type MultiPublisher struct {
	publishers []types.Publisher
}

// NewMultiPublisher skips nil publishers.
func NewMultiPublisher(publishers ...types.Publisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

func (m *MultiPublisher) Gauge(name string, value float64, tags ...string) {
	for _, p := range m.publishers {
		p.Gauge(name, value, tags...)
	}
}

func (m *MultiPublisher) Incr(name string, tags ...string) {
	for _, p := range m.publishers {
		p.Incr(name, tags...)
	}
}

func (m *MultiPublisher) Count(name string, value int64, tags ...string) {
	for _, p := range m.publishers {
		p.Count(name, value, tags...)
	}
}

func (m *MultiPublisher) Histogram(name string, value float64, tags ...string) {
	for _, p := range m.publishers {
		p.Histogram(name, value, tags...)
	}
}

func (m *MultiPublisher) Timing(name string, duration time.Duration, tags ...string) {
	for _, p := range m.publishers {
		p.Timing(name, duration, tags...)
	}
}

func (m *MultiPublisher) Event(title, text, alertType string, tags ...string) {
	for _, p := range m.publishers {
		p.Event(title, text, alertType, tags...)
	}
}

func (m *MultiPublisher) PublishHealthMetrics(metrics *types.PublisherHealthMetrics) {
	for _, p := range m.publishers {
		p.PublishHealthMetrics(metrics)
	}
}

// Close closes every publisher and joins their errors.
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ types.Publisher = (*MultiPublisher)(nil)
