// Package alerts implements the bounded driver-to-agent alert channel.
//
// Producers run in both ordinary and deferred context, so enqueue is
// non-blocking and allocation-free: records are fixed-size values pushed
// through a buffered channel. When the queue is full the oldest record is
// dropped, keeping the newest evidence available to the agent's poll loop.
package alerts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tad-europe/rvguard/pkg/types"
)

// DefaultDepth is the queue capacity.
const DefaultDepth = 64

var (
	alertsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rvguard_alerts_enqueued_total",
			Help: "Security alerts produced by the enforcement subsystems",
		},
		[]string{"type"},
	)
	alertsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rvguard_alerts_dropped_total",
			Help: "Alerts dropped because the queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(alertsEnqueued)
	prometheus.MustRegister(alertsDropped)
}

// Record is one alert as produced by a guard subsystem.
type Record struct {
	Type      types.AlertType
	Timestamp int64
	SourcePID uint32
	Detail    [types.MaxDetailLength]byte
	DetailLen int
}

// Queue is a bounded FIFO of alert records.
type Queue struct {
	ch chan Record
}

// NewQueue returns a queue with the given depth (DefaultDepth if depth <= 0).
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{ch: make(chan Record, depth)}
}

// Publish enqueues an alert without blocking. On overflow the oldest record
// is evicted. Safe from deferred context: no locks, no allocation beyond the
// channel copy.
func (q *Queue) Publish(rec Record) {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}
	for {
		select {
		case q.ch <- rec:
			alertsEnqueued.WithLabelValues(rec.Type.String()).Inc()
			return
		default:
		}
		select {
		case <-q.ch:
			alertsDropped.Inc()
		default:
		}
	}
}

// PublishText is a convenience for ordinary-context producers.
func (q *Queue) PublishText(t types.AlertType, pid uint32, detail string) {
	rec := Record{Type: t, SourcePID: pid}
	rec.DetailLen = copy(rec.Detail[:len(rec.Detail)-1], detail)
	q.Publish(rec)
}

// TryDequeue returns the next alert, or ok=false when none is available.
func (q *Queue) TryDequeue() (Record, bool) {
	select {
	case rec := <-q.ch:
		return rec, true
	default:
		return Record{}, false
	}
}

// DequeueWait returns the next alert, waiting at most maxWait. The bounded
// wait keeps the agent's poll loop responsive while avoiding a busy spin.
func (q *Queue) DequeueWait(maxWait time.Duration) (Record, bool) {
	if maxWait <= 0 {
		return q.TryDequeue()
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case rec := <-q.ch:
		return rec, true
	case <-timer.C:
		return Record{}, false
	}
}

// Len reports the number of queued alerts.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Output converts a record to its wire representation. The zero record maps
// to the explicit "no alert" sentinel.
func (rec Record) Output() types.AlertOutput {
	return types.AlertOutput{
		Type:      rec.Type,
		Timestamp: rec.Timestamp,
		SourcePID: rec.SourcePID,
		Detail:    string(rec.Detail[:rec.DetailLen]),
	}
}

// None returns the sentinel output for an empty queue.
func None() types.AlertOutput {
	return types.AlertOutput{Type: types.AlertNone, Timestamp: time.Now().UnixNano()}
}
