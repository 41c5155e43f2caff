// Package fileguard intercepts set-information operations that carry a
// deletion disposition or rename and denies them for a fixed set of
// protected filenames. Matching is case-insensitive against only the final
// path component, so a protected binary is covered in any directory. The
// guard refuses to detach while module unload is still forbidden, closing
// the hole where only the filter is removed while the rest stays resident.
package fileguard

import (
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/internal/hooks"
	"github.com/tad-europe/rvguard/pkg/types"
)

var tamperBlocked = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rvguard_file_tamper_blocked_total",
		Help: "Deletion/rename operations denied on protected filenames",
	},
	[]string{"operation"},
)

func init() {
	prometheus.MustRegister(tamperBlocked)
}

// Guard implements hooks.FileInterceptor for the protected filename set.
type Guard struct {
	log    *logrus.Logger
	alerts *alerts.Queue

	// lowercased protected names, fixed at construction
	protected map[string]struct{}

	// unloadPermitted gates detaching; wired to the unlock authority.
	unloadPermitted func() bool
}

// New returns a guard protecting the given bare filenames.
func New(log *logrus.Logger, q *alerts.Queue, protectedNames []string, unloadPermitted func() bool) *Guard {
	set := make(map[string]struct{}, len(protectedNames))
	for _, n := range protectedNames {
		if n == "" {
			continue
		}
		set[strings.ToLower(n)] = struct{}{}
	}
	if unloadPermitted == nil {
		unloadPermitted = func() bool { return false }
	}
	return &Guard{log: log, alerts: q, protected: set, unloadPermitted: unloadPermitted}
}

// finalComponent returns the last path element for either separator style.
func finalComponent(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// IsProtectedName is the pure decision: does the final component of path
// match a protected filename, case-insensitively.
func (g *Guard) IsProtectedName(path string) bool {
	name := strings.ToLower(finalComponent(path))
	if name == "" {
		return false
	}
	_, ok := g.protected[name]
	return ok
}

// PreSetInformation completes a matching delete/rename with a block; a
// non-match passes through untouched.
func (g *Guard) PreSetInformation(op hooks.FileOp) hooks.FileDecision {
	if !g.IsProtectedName(op.Path) {
		return hooks.FileDecision{}
	}
	tamperBlocked.WithLabelValues(op.Kind.String()).Inc()
	g.log.WithFields(logrus.Fields{
		"operation": op.Kind.String(),
		"path":      op.Path,
		"caller":    op.CallerPID,
	}).Warn("Blocked file tamper attempt")
	g.alerts.PublishText(types.AlertFileTamper, op.CallerPID,
		"blocked "+op.Kind.String()+" of "+finalComponent(op.Path))
	return hooks.FileDecision{Block: true}
}

// CanUnload reports whether the filter may detach. It tracks the module-wide
// unload-permitted flag so the filter cannot be removed in isolation.
func (g *Guard) CanUnload() bool {
	return g.unloadPermitted()
}

// ObservedTamper records a tamper event seen after the fact by an
// observation-mode host binding (see Watcher). The decision logic is shared
// with the in-line path.
func (g *Guard) ObservedTamper(kind hooks.FileOpKind, path string) {
	if !g.IsProtectedName(path) {
		return
	}
	tamperBlocked.WithLabelValues(kind.String()).Inc()
	g.log.WithFields(logrus.Fields{
		"operation": kind.String(),
		"path":      filepath.Clean(path),
	}).Error("Observed tamper on protected file")
	g.alerts.PublishText(types.AlertFileTamper, 0,
		"observed "+kind.String()+" of "+finalComponent(path))
}
