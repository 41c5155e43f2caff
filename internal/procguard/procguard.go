// Package procguard pre-inspects handle-creation and handle-duplication
// requests for process and thread objects and strips dangerous rights from
// any external request targeting a protected PID. The result is always
// success with a narrowed mask: termination tools receive a working handle
// that simply cannot terminate, so nothing points back at the guard.
package procguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/internal/hooks"
	"github.com/tad-europe/rvguard/pkg/types"
)

// StrippedProcessRights are removed from external handles to a protected
// process.
const StrippedProcessRights = hooks.ProcessTerminate |
	hooks.ProcessCreateThread |
	hooks.ProcessVMOperation |
	hooks.ProcessVMWrite |
	hooks.ProcessSuspendResume

// StrippedThreadRights are removed from external handles to a protected
// process's threads.
const StrippedThreadRights = hooks.ThreadTerminate |
	hooks.ThreadSuspendResume |
	hooks.ThreadSetContext

var rightsStripped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rvguard_handle_rights_stripped_total",
		Help: "Handle requests that lost dangerous rights on a protected PID",
	},
	[]string{"object"},
)

func init() {
	prometheus.MustRegister(rightsStripped)
}

// ProtectedSet exposes the currently protected PIDs. A zero PID means the
// slot is empty.
type ProtectedSet interface {
	ServicePID() uint32
	UIPID() uint32
}

// Guard implements hooks.HandleInterceptor over a ProtectedSet.
type Guard struct {
	log       *logrus.Logger
	alerts    *alerts.Queue
	protected ProtectedSet
}

// New returns a guard over the given protected set.
func New(log *logrus.Logger, q *alerts.Queue, set ProtectedSet) *Guard {
	return &Guard{log: log, alerts: q, protected: set}
}

// FilterAccess is the pure decision: the mask an external caller is granted
// for the given target. Self-management by a protected process is never
// narrowed.
func FilterAccess(kind hooks.ObjectKind, targetPID, callerPID uint32, desired hooks.AccessMask, svcPID, uiPID uint32) hooks.AccessMask {
	if svcPID == 0 && uiPID == 0 {
		return desired
	}
	if targetPID != svcPID && targetPID != uiPID {
		return desired
	}
	if callerPID == svcPID || callerPID == uiPID {
		return desired
	}
	if kind == hooks.ObjectThread {
		return desired &^ StrippedThreadRights
	}
	return desired &^ StrippedProcessRights
}

// PreHandle narrows the requested mask and records a tamper alert when a
// dangerous right was actually requested by an external caller.
func (g *Guard) PreHandle(op hooks.HandleOp) hooks.HandleDecision {
	svc, ui := g.protected.ServicePID(), g.protected.UIPID()
	granted := FilterAccess(op.Kind, op.TargetPID, op.CallerPID, op.Desired, svc, ui)
	if granted != op.Desired {
		rightsStripped.WithLabelValues(op.Kind.String()).Inc()
		g.log.WithFields(logrus.Fields{
			"object":    op.Kind.String(),
			"target":    op.TargetPID,
			"caller":    op.CallerPID,
			"requested": uint32(op.Desired),
			"granted":   uint32(granted),
			"duplicate": op.Duplicate,
		}).Warn("Stripped handle rights on protected PID")
		g.alerts.PublishText(types.AlertServiceTamper, op.CallerPID,
			"stripped "+op.Kind.String()+" handle rights on protected process")
	}
	return hooks.HandleDecision{Granted: granted}
}
