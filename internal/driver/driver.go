// Package driver hosts the engine singleton: the protected-PID set, the
// unlock authority, policy store, guards, watchdog, and the control-request
// dispatch that ties them to the endpoint. One Engine is constructed per
// load and injected into every callback registration; nothing here persists
// across a reload, so the agent must re-push all configuration after load.
package driver

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/internal/config"
	"github.com/tad-europe/rvguard/internal/fileguard"
	"github.com/tad-europe/rvguard/internal/hooks"
	"github.com/tad-europe/rvguard/internal/policy"
	"github.com/tad-europe/rvguard/internal/procguard"
	"github.com/tad-europe/rvguard/pkg/types"
	"github.com/tad-europe/rvguard/internal/unlock"
	"github.com/tad-europe/rvguard/internal/watchdog"
)

// ProcessLookup reports whether a PID currently exists. Injected so the
// dispatch logic stays host-independent.
type ProcessLookup func(pid uint32) bool

// procLookup checks /proc; the zero PID never exists.
func procLookup(pid uint32) bool {
	if pid == 0 {
		return false
	}
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Engine is the per-load module state. Word-sized fields are atomics;
// variable-length state lives behind the subsystems' own synchronization.
type Engine struct {
	log *logrus.Logger
	cfg config.Config

	agentPID       atomic.Uint32
	protectedPID   atomic.Uint32
	protectedUIPID atomic.Uint32

	inputLocked   atomic.Bool
	stealthActive atomic.Bool
	stealthFlags  atomic.Uint32
	role          atomic.Uint32

	authority *unlock.Authority
	policy    *policy.Store
	queue     *alerts.Queue
	watchdog  *watchdog.Watchdog
	registry  *hooks.Registry
	procGuard *procguard.Guard
	fileGuard *fileguard.Guard
	watcher   *fileguard.Watcher

	processProtectionActive bool
	fileProtectionActive    bool

	lookup ProcessLookup
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithProcessLookup overrides the PID existence check.
func WithProcessLookup(l ProcessLookup) Option {
	return func(e *Engine) { e.lookup = l }
}

// WithKillSwitch installs the heartbeat-loss kill switch.
func WithKillSwitch(ks watchdog.KillSwitch) Option {
	return func(e *Engine) {
		e.watchdog = watchdog.New(e.log, e.queue, e.cfg.WatchdogPeriod, ks)
	}
}

// New constructs the engine and its subsystems. Interceptors are not yet
// registered; call Load.
func New(cfg config.Config, log *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		log:      log,
		cfg:      cfg,
		queue:    alerts.NewQueue(alerts.DefaultDepth),
		registry: hooks.NewRegistry(),
		lookup:   procLookup,
	}
	e.role.Store(uint32(types.RoleUnknown))
	e.authority = unlock.New(cfg.MaxUnlockAttempts, cfg.LockoutDuration)
	e.policy = policy.NewStore(log, e.queue)
	e.watchdog = watchdog.New(log, e.queue, cfg.WatchdogPeriod, nil)
	e.procGuard = procguard.New(log, e.queue, e)
	e.fileGuard = fileguard.New(log, e.queue, cfg.ProtectedFilenames, e.authority.UnloadPermitted)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load registers every subsystem. A failure in a non-critical subsystem is
// logged and load continues degraded; only Load's caller decides what is
// fatal (the endpoint itself, created separately, is).
func (e *Engine) Load() error {
	e.registry.RegisterHandle(e.procGuard)
	e.processProtectionActive = true

	e.registry.RegisterFile(e.fileGuard)
	e.fileProtectionActive = true

	e.registry.RegisterProcess(e.policy)

	if len(e.cfg.WatchPaths) > 0 {
		w, err := fileguard.NewWatcher(e.log, e.fileGuard, e.cfg.WatchPaths)
		if err != nil {
			e.log.WithError(err).Warn("File tamper watcher failed, continuing degraded")
		} else {
			e.watcher = w
		}
	}

	e.log.WithFields(logrus.Fields{
		"process_guard": e.processProtectionActive,
		"file_guard":    e.fileProtectionActive,
		"watcher":       e.watcher != nil,
	}).Info("Engine loaded")
	return nil
}

// Start runs the watchdog and the tamper watcher until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.watchdog.Start(ctx)
	if e.watcher != nil {
		go e.watcher.Start(ctx)
	}
}

// Unload clears all mutable state. It fails while the unlock authority has
// not permitted unload or any file interceptor refuses to detach.
func (e *Engine) Unload() error {
	if !e.authority.UnloadPermitted() {
		return fmt.Errorf("unload denied: engine is locked")
	}
	if !e.registry.CanUnloadFilters() {
		return fmt.Errorf("unload denied: file interceptor refused to detach")
	}
	e.agentPID.Store(0)
	e.protectedPID.Store(0)
	e.protectedUIPID.Store(0)
	e.inputLocked.Store(false)
	e.stealthActive.Store(false)
	e.stealthFlags.Store(0)
	e.role.Store(uint32(types.RoleUnknown))
	e.log.Info("Engine unloaded")
	return nil
}

// ServicePID implements procguard.ProtectedSet.
func (e *Engine) ServicePID() uint32 { return e.protectedPID.Load() }

// UIPID implements procguard.ProtectedSet.
func (e *Engine) UIPID() uint32 { return e.protectedUIPID.Load() }

// Registry exposes the interceptor registration table for host bindings.
func (e *Engine) Registry() *hooks.Registry { return e.registry }

// Alerts exposes the alert queue for host bindings and tests.
func (e *Engine) Alerts() *alerts.Queue { return e.queue }

// Watchdog exposes the heartbeat watchdog.
func (e *Engine) Watchdog() *watchdog.Watchdog { return e.watchdog }

// UnloadPermitted reports whether the unlock authority has authorized
// unload.
func (e *Engine) UnloadPermitted() bool { return e.authority.UnloadPermitted() }

// InputLocked reports the hard-lock latch.
func (e *Engine) InputLocked() bool { return e.inputLocked.Load() }

// StealthActive reports the stealth latch.
func (e *Engine) StealthActive() bool { return e.stealthActive.Load() }
