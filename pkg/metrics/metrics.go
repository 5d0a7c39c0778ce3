// Package metrics counts what a create, extract or sweep run did.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/rumar/pkg/plog"
)

// Metrics defines the interface for collecting and reporting run statistics.
type Metrics interface {
	AddCreated(n int64)
	AddUpdated(n int64)
	AddUnchanged(n int64)
	AddDuplicates(n int64)
	AddSourcesDeleted(n int64)
	AddExtracted(n int64)
	AddSwept(n int64)
	AddFailed(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RunMetrics holds the atomic counters of one run.
type RunMetrics struct {
	Created        atomic.Int64
	Updated        atomic.Int64
	Unchanged      atomic.Int64
	Duplicates     atomic.Int64
	SourcesDeleted atomic.Int64
	Extracted      atomic.Int64
	Swept          atomic.Int64
	Failed         atomic.Int64
	BytesWritten   atomic.Int64

	stopChan chan struct{}
}

func (m *RunMetrics) AddCreated(n int64)        { m.Created.Add(n) }
func (m *RunMetrics) AddUpdated(n int64)        { m.Updated.Add(n) }
func (m *RunMetrics) AddUnchanged(n int64)      { m.Unchanged.Add(n) }
func (m *RunMetrics) AddDuplicates(n int64)     { m.Duplicates.Add(n) }
func (m *RunMetrics) AddSourcesDeleted(n int64) { m.SourcesDeleted.Add(n) }
func (m *RunMetrics) AddExtracted(n int64)      { m.Extracted.Add(n) }
func (m *RunMetrics) AddSwept(n int64)          { m.Swept.Add(n) }
func (m *RunMetrics) AddFailed(n int64)         { m.Failed.Add(n) }
func (m *RunMetrics) AddBytesWritten(n int64)   { m.BytesWritten.Add(n) }

// StartProgress logs the summary every interval until StopProgress.
func (m *RunMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func(stop <-chan struct{}) {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}(m.stopChan)
}

func (m *RunMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the non-zero counters.
func (m *RunMetrics) LogSummary(msg string) {
	counters := []struct {
		key string
		v   *atomic.Int64
	}{
		{"created", &m.Created},
		{"updated", &m.Updated},
		{"unchanged", &m.Unchanged},
		{"duplicates", &m.Duplicates},
		{"sources_deleted", &m.SourcesDeleted},
		{"extracted", &m.Extracted},
		{"swept", &m.Swept},
		{"failed", &m.Failed},
		{"bytes_written", &m.BytesWritten},
	}
	var args []any
	for _, c := range counters {
		if v := c.v.Load(); v != 0 {
			args = append(args, c.key, v)
		}
	}
	plog.Info(msg, args...)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddCreated(n int64)                               {}
func (m *NoopMetrics) AddUpdated(n int64)                               {}
func (m *NoopMetrics) AddUnchanged(n int64)                             {}
func (m *NoopMetrics) AddDuplicates(n int64)                            {}
func (m *NoopMetrics) AddSourcesDeleted(n int64)                        {}
func (m *NoopMetrics) AddExtracted(n int64)                             {}
func (m *NoopMetrics) AddSwept(n int64)                                 {}
func (m *NoopMetrics) AddFailed(n int64)                                {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*RunMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
