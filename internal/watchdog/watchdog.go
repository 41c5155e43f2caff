// Package watchdog runs the periodic heartbeat check. Each tick atomically
// reads-and-clears the alive flag; a tick that finds it already clear means
// the agent missed its check-in window.
//
// The tick itself is the fast path: it touches only atomics and a
// non-blocking channel send, so the same function is safe in an
// interrupt-style deferred context. Alert publication and the kill switch
// may block, so they run in a separate slow-path worker fed through that
// channel.
package watchdog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/pkg/types"
)

var heartbeatsMissed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rvguard_heartbeats_missed_total",
		Help: "Watchdog ticks that found the agent's alive flag already clear",
	},
)

func init() {
	prometheus.MustRegister(heartbeatsMissed)
}

// KillSwitch is the extension point engaged when the agent is presumed
// dead. The network-filter integration is deliberately out of this core;
// implementations run in the slow path and may block.
type KillSwitch interface {
	Engage()
	Release()
}

// Watchdog verifies agent liveness on a fixed period.
type Watchdog struct {
	log        *logrus.Logger
	alerts     *alerts.Queue
	killSwitch KillSwitch

	alive    atomic.Bool
	lastBeat atomic.Int64 // unix nanos of the last heartbeat request

	periodNs atomic.Int64

	// missed wakes the slow-path worker; buffer 1 suffices since losses
	// coalesce until the worker drains.
	missed chan struct{}
}

// New returns a stopped watchdog with the given period. ks may be nil.
func New(log *logrus.Logger, q *alerts.Queue, period time.Duration, ks KillSwitch) *Watchdog {
	if period <= 0 {
		period = 6 * time.Second
	}
	w := &Watchdog{
		log:        log,
		alerts:     q,
		killSwitch: ks,
		missed:     make(chan struct{}, 1),
	}
	w.periodNs.Store(int64(period))
	return w
}

// Beat marks the agent alive and records the check-in time. Called from the
// heartbeat control request.
func (w *Watchdog) Beat() {
	w.alive.Store(true)
	w.lastBeat.Store(time.Now().UnixNano())
	if w.killSwitch != nil {
		w.killSwitch.Release()
	}
}

// Alive reports whether a heartbeat arrived since the last tick.
func (w *Watchdog) Alive() bool {
	return w.alive.Load()
}

// LastBeat returns the time of the last heartbeat, zero if none arrived.
func (w *Watchdog) LastBeat() time.Time {
	ns := w.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Period returns the current check-in window.
func (w *Watchdog) Period() time.Duration {
	return time.Duration(w.periodNs.Load())
}

// SetPeriod retunes the check-in window; the running loop picks it up on
// its next tick.
func (w *Watchdog) SetPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	w.periodNs.Store(int64(period))
}

// Tick is the deferred-context fast path: read-and-clear the alive flag,
// and if it was already clear, wake the slow path. No locks, no allocation.
func (w *Watchdog) Tick() {
	if w.alive.Swap(false) {
		return
	}
	heartbeatsMissed.Inc()
	select {
	case w.missed <- struct{}{}:
	default:
	}
}

// Start runs the periodic timer and the slow-path worker until the context
// is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	w.log.WithField("period", w.Period()).Info("Starting heartbeat watchdog")
	// Arm as alive so the agent has one full period to send its first beat.
	w.alive.Store(true)

	go w.slowPath(ctx)

	timer := time.NewTimer(w.Period())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.Tick()
			timer.Reset(w.Period())
		}
	}
}

// slowPath handles a missed heartbeat: log, alert, engage the kill switch.
func (w *Watchdog) slowPath(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.missed:
			w.log.Error("Heartbeat lost, agent is unresponsive")
			w.alerts.PublishText(types.AlertHeartbeatLost, 0, "agent missed heartbeat window")
			if w.killSwitch != nil {
				w.killSwitch.Engage()
			}
		}
	}
}
