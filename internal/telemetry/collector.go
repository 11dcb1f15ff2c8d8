// Package telemetry gathers per-operation timings from every Minion and
// ships them in batches to a reporting queue.
package telemetry

import (
	"sync"
	"time"
)

// Sample is one timed operation.
type Sample struct {
	Label      string    `json:"label"`
	DurationMS int64     `json:"duration_ms"`
	Tracer     string    `json:"tracer,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Collector accumulates samples from many goroutines. Drain hands the
// accumulated batch to a single reader.
type Collector interface {
	// Add records a sample. It never blocks for long and never panics.
	Add(label string, d time.Duration, tracer string)
	// Drain removes and returns everything added since the last Drain.
	Drain() []Sample
	Enabled() bool
}

// NewCollector returns a batching collector, or one that drops everything
// when enabled is false.
func NewCollector(enabled bool) Collector {
	if !enabled {
		return nopCollector{}
	}
	return &batchCollector{now: time.Now}
}

type nopCollector struct{}

func (nopCollector) Add(string, time.Duration, string) {}
func (nopCollector) Drain() []Sample                   { return nil }
func (nopCollector) Enabled() bool                     { return false }

type batchCollector struct {
	now func() time.Time

	mu      sync.Mutex
	samples []Sample
}

func (c *batchCollector) Add(label string, d time.Duration, tracer string) {
	s := Sample{
		Label:      label,
		DurationMS: d.Milliseconds(),
		Tracer:     tracer,
		RecordedAt: c.now().UTC(),
	}
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *batchCollector) Drain() []Sample {
	c.mu.Lock()
	batch := c.samples
	c.samples = nil
	c.mu.Unlock()
	return batch
}

func (c *batchCollector) Enabled() bool { return true }
