// Package policy holds the active policy buffer and the banned-application
// list, and implements the process-creation gate that vetoes banned images.
//
// The policy buffer is replaced by a single atomic pointer swap so readers
// never observe a partial update and never take a lock. The banned list,
// being variable length, is replaced wholesale under a dedicated mutex held
// only in ordinary context for the duration of the copy.
package policy

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/internal/hooks"
	"github.com/tad-europe/rvguard/pkg/types"
)

var creationsBlocked = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rvguard_process_creations_blocked_total",
		Help: "Process creations denied by the banned-application gate",
	},
)

func init() {
	prometheus.MustRegister(creationsBlocked)
}

// Store holds the policy buffer and banned-app list and gates process
// creation. It implements hooks.ProcessNotifier.
type Store struct {
	log    *logrus.Logger
	alerts *alerts.Queue

	current atomic.Pointer[types.PolicyBuffer]
	valid   atomic.Bool

	bannedMu sync.Mutex
	banned   []string // lowercased bare image names
}

// NewStore returns an empty store; no policy is trusted until the agent
// pushes one after load.
func NewStore(log *logrus.Logger, q *alerts.Queue) *Store {
	return &Store{log: log, alerts: q}
}

// SetPolicy validates and installs a policy buffer as a whole-buffer swap.
func (s *Store) SetPolicy(p *types.PolicyBuffer) types.Status {
	if p == nil || p.Version != types.PolicyVersionV1 {
		return types.StatusInvalidParameter
	}
	buf := *p
	s.current.Store(&buf)
	s.valid.Store(true)
	s.log.WithFields(logrus.Fields{
		"flags": buf.Flags,
		"ou":    buf.OrganizationalUnit,
	}).Info("Policy loaded")
	return types.StatusOK
}

// Policy returns the active buffer, or nil if none has been pushed.
func (s *Store) Policy() *types.PolicyBuffer {
	return s.current.Load()
}

// Valid reports whether a policy has been accepted since load.
func (s *Store) Valid() bool {
	return s.valid.Load()
}

// FlagSet reports whether the given policy flag is set in the active buffer.
func (s *Store) FlagSet(flag uint32) bool {
	p := s.current.Load()
	return p != nil && p.Flags&flag != 0
}

// SetBannedApps replaces the banned-application list wholesale. The list is
// accepted and stored even while the block-applications flag is unset so it
// is ready the instant the flag is toggled on.
func (s *Store) SetBannedApps(names []string) types.Status {
	if len(names) > types.MaxBannedApps {
		return types.StatusInvalidParameter
	}
	lowered := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || len(n) >= types.MaxImageNameLen {
			continue
		}
		lowered = append(lowered, strings.ToLower(n))
	}
	s.bannedMu.Lock()
	s.banned = lowered
	s.bannedMu.Unlock()
	s.log.WithField("count", len(lowered)).Info("Banned-app list updated")
	return types.StatusOK
}

// BannedApps returns a copy of the stored list.
func (s *Store) BannedApps() []string {
	s.bannedMu.Lock()
	defer s.bannedMu.Unlock()
	out := make([]string, len(s.banned))
	copy(out, s.banned)
	return out
}

// imageName extracts the final path component, accepting both separators
// since image paths arrive in host-native form.
func imageName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// OnProcessCreate vetoes creation of a banned image while the
// block-applications flag is set. With the flag clear the callback is a
// no-op regardless of list contents.
func (s *Store) OnProcessCreate(info hooks.ProcessCreation) hooks.CreateDecision {
	if info.ImagePath == "" {
		return hooks.CreateDecision{}
	}
	if !s.FlagSet(types.PolicyFlagBlockApps) {
		return hooks.CreateDecision{}
	}
	name := strings.ToLower(imageName(info.ImagePath))
	if name == "" {
		return hooks.CreateDecision{}
	}

	s.bannedMu.Lock()
	banned := false
	for _, b := range s.banned {
		if b == name {
			banned = true
			break
		}
	}
	s.bannedMu.Unlock()

	if !banned {
		return hooks.CreateDecision{}
	}

	creationsBlocked.Inc()
	s.log.WithFields(logrus.Fields{
		"image": name,
		"pid":   info.PID,
	}).Warn("Blocked process creation")
	s.alerts.PublishText(types.AlertProcessBlocked, info.PID, "blocked banned application "+name)
	return hooks.CreateDecision{Deny: true}
}
