package metrics

import (
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

// Timer measures one operation and reports it as a timing metric.
type Timer struct {
	publisher types.Publisher
	name      string
	tags      []string
	start     time.Time
}

func NewTimer(publisher types.Publisher, name string, tags ...string) *Timer {
	return &Timer{publisher: publisher, name: name, tags: tags, start: time.Now()}
}

// Stop publishes the elapsed time. Extra tags, typically the outcome, are
// added to the ones given at creation.
func (t *Timer) Stop(extra ...string) time.Duration {
	d := time.Since(t.start)
	tags := t.tags
	if len(extra) > 0 {
		tags = append(tags[:len(tags):len(tags)], extra...)
	}
	t.publisher.Timing(t.name, d, tags...)
	return d
}

func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
