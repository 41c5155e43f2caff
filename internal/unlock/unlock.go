// Package unlock gatekeeps engine unload behind a 256-bit pre-shared
// secret. The stored constant is XOR-obfuscated so the plaintext never sits
// in the binary image; it is decoded transiently for each comparison and
// wiped immediately. The comparison itself is constant time over the full
// key length, and repeated failures drive a lockout window during which all
// attempts are rejected without evaluating the key at all.
package unlock

import (
	"crypto/subtle"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tad-europe/rvguard/pkg/types"
)

const keyXORMask byte = 0xA7

// obfuscatedKey is the unload secret XORed with keyXORMask.
var obfuscatedKey = [types.AuthKeyBytes]byte{
	0xF3, 0xE6, 0xE3, 0x8A, 0xF5, 0xF1, 0x89, 0xF4,
	0xE2, 0xE4, 0xF2, 0xF5, 0xEE, 0xF3, 0xF2, 0xEC,
	0xE2, 0xFE, 0x97, 0x96, 0x95, 0x94, 0x93, 0x92,
	0xEA, 0xE8, 0xE9, 0xEE, 0xF3, 0xE8, 0xE9, 0x86,
}

var lockoutsTriggered = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rvguard_unlock_lockouts_total",
		Help: "Brute-force lockouts triggered by repeated failed unlock attempts",
	},
)

func init() {
	prometheus.MustRegister(lockoutsTriggered)
}

// State of the authority.
type State int

const (
	Locked State = iota
	Unlocked
	Lockout
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Lockout:
		return "lockout"
	default:
		return "locked"
	}
}

// Result of one unlock attempt. ResultLockoutTriggered marks the attempt
// that tripped the throttle, so the caller can raise the brute-force alert
// exactly once per lockout.
type Result int

const (
	ResultAccepted Result = iota
	ResultRejected
	ResultLockedOut
	ResultLockoutTriggered
)

// Authority holds the unload-permission flag and the brute-force throttle.
// All state is single-word atomics; no attempt path blocks.
type Authority struct {
	maxAttempts uint32
	lockout     time.Duration

	failed       atomic.Uint32
	lockoutUntil atomic.Int64 // unix nanos; 0 = no active lockout
	permitted    atomic.Bool

	now func() time.Time
}

// New returns a locked authority with the given throttle parameters.
func New(maxAttempts int, lockout time.Duration) *Authority {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockout <= 0 {
		lockout = 30 * time.Second
	}
	return &Authority{
		maxAttempts: uint32(maxAttempts),
		lockout:     lockout,
		now:         time.Now,
	}
}

// Attempt evaluates one presented key. While locked out, the key is not
// evaluated. A correct key outside lockout resets the failure counter and
// permits unload.
func (a *Authority) Attempt(key []byte) Result {
	if a.failed.Load() >= a.maxAttempts {
		if a.now().UnixNano() < a.lockoutUntil.Load() {
			return ResultLockedOut
		}
		// Window elapsed; the throttle resets before the key is checked.
		a.failed.Store(0)
	}

	if verifyKey(key) {
		a.permitted.Store(true)
		a.failed.Store(0)
		return ResultAccepted
	}

	if a.failed.Add(1) >= a.maxAttempts {
		a.lockoutUntil.Store(a.now().Add(a.lockout).UnixNano())
		lockoutsTriggered.Inc()
		return ResultLockoutTriggered
	}
	return ResultRejected
}

// verifyKey decodes the stored constant, compares every byte regardless of
// earlier mismatches, and wipes the decoded copy before returning.
func verifyKey(key []byte) bool {
	if len(key) != types.AuthKeyBytes {
		return false
	}
	var decoded [types.AuthKeyBytes]byte
	for i := range obfuscatedKey {
		decoded[i] = obfuscatedKey[i] ^ keyXORMask
	}
	equal := subtle.ConstantTimeCompare(decoded[:], key) == 1
	for i := range decoded {
		decoded[i] = 0
	}
	runtime.KeepAlive(&decoded)
	return equal
}

// State reports the current state of the authority.
func (a *Authority) State() State {
	if a.permitted.Load() {
		return Unlocked
	}
	if a.failed.Load() >= a.maxAttempts && a.now().UnixNano() < a.lockoutUntil.Load() {
		return Lockout
	}
	return Locked
}

// UnloadPermitted reports whether unload has been authorized.
func (a *Authority) UnloadPermitted() bool {
	return a.permitted.Load()
}

// FailedAttempts reports the current failure counter.
func (a *Authority) FailedAttempts() uint32 {
	return a.failed.Load()
}
