// Package types defines the control-endpoint request catalog, the fixed
// binary payload layouts shared with the bridge agent, and the alert and
// policy vocabulary used across the engine.
//
// All payloads are fixed-size, 8-byte-aligned layouts encoded little-endian.
// Strings travel as fixed-length NUL-padded UTF-8 fields; the byte sizes
// keep every struct a multiple of eight so the agent-side marshaller can
// use sequential layout with pack=8.
package types

// Control-code composition. Request codes follow the classic device-control
// convention: ((DeviceType) << 16) | ((Access) << 14) | ((Function) << 2) | Method.
const (
	deviceType     uint32 = 0x8A00
	methodBuffered uint32 = 0
	accessRead     uint32 = 1
	accessWrite    uint32 = 2
)

// CtlCode composes a control code from its device type, function number,
// method, and access bits.
func CtlCode(device, function, method, access uint32) uint32 {
	return (device << 16) | (access << 14) | (function << 2) | method
}

// Request catalog. Function numbers 0x800-0x809.
var (
	ReqProtectPID    = CtlCode(deviceType, 0x800, methodBuffered, accessWrite)
	ReqUnlock        = CtlCode(deviceType, 0x801, methodBuffered, accessWrite)
	ReqHeartbeat     = CtlCode(deviceType, 0x802, methodBuffered, accessRead)
	ReqSetUserRole   = CtlCode(deviceType, 0x803, methodBuffered, accessWrite)
	ReqSetPolicy     = CtlCode(deviceType, 0x804, methodBuffered, accessWrite)
	ReqReadAlert     = CtlCode(deviceType, 0x805, methodBuffered, accessRead)
	ReqHardLock      = CtlCode(deviceType, 0x806, methodBuffered, accessWrite)
	ReqProtectUI     = CtlCode(deviceType, 0x807, methodBuffered, accessWrite)
	ReqStealth       = CtlCode(deviceType, 0x808, methodBuffered, accessWrite)
	ReqSetBannedApps = CtlCode(deviceType, 0x809, methodBuffered, accessWrite)
)

// Function extracts the function number from a control code.
func Function(code uint32) uint32 {
	return (code >> 2) & 0xFFF
}

// Status is the synchronous outcome of a control request. Every request
// resolves to exactly one status; nothing at this layer panics or blocks.
type Status uint32

const (
	StatusOK Status = iota
	StatusBufferTooSmall
	StatusInvalidParameter
	StatusAccessDenied
	StatusNotFound
	StatusInvalidRequest
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBufferTooSmall:
		return "buffer_too_small"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusAccessDenied:
		return "access_denied"
	case StatusNotFound:
		return "not_found"
	case StatusInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// UserRole is the role pushed by the agent after directory-group resolution.
type UserRole uint32

const (
	RoleStudent UserRole = 0
	RoleTeacher UserRole = 1
	RoleAdmin   UserRole = 2
	RoleUnknown UserRole = 0xFF
)

func (r UserRole) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleTeacher:
		return "teacher"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AlertType classifies the security-relevant events the engine surfaces to
// the agent through the read channel.
type AlertType uint32

const (
	AlertNone             AlertType = 0
	AlertServiceTamper    AlertType = 1 // handle guard stripped a hostile request
	AlertHeartbeatLost    AlertType = 2 // watchdog found the agent dead
	AlertUnlockBruteForce AlertType = 3 // unlock lockout triggered
	AlertFileTamper       AlertType = 4 // file guard blocked deletion/rename
	AlertProcessBlocked   AlertType = 5 // creation gate denied a banned image
)

func (a AlertType) String() string {
	switch a {
	case AlertNone:
		return "none"
	case AlertServiceTamper:
		return "service_tamper"
	case AlertHeartbeatLost:
		return "heartbeat_lost"
	case AlertUnlockBruteForce:
		return "unlock_brute_force"
	case AlertFileTamper:
		return "file_tamper"
	case AlertProcessBlocked:
		return "process_blocked"
	default:
		return "unknown"
	}
}

// Policy flag bitmask.
const (
	PolicyFlagBlockUSB        uint32 = 0x00000001
	PolicyFlagBlockPrinting   uint32 = 0x00000002
	PolicyFlagLogScreenshots  uint32 = 0x00000004
	PolicyFlagLogKeystrokes   uint32 = 0x00000008
	PolicyFlagBlockApps       uint32 = 0x00000010
	PolicyFlagRestrictNetwork uint32 = 0x00000020
)

// Fixed-layout field sizes.
const (
	AuthKeyBytes     = 32
	MaxSIDLength     = 68  // bytes, covers S-1-5-21-...-RID
	MaxOULength      = 256 // bytes including NUL
	MaxDetailLength  = 128 // bytes including NUL
	MaxBannedApps    = 32
	MaxImageNameLen  = 64 // bytes per entry including NUL
	PolicyVersionV1  = 1
	policyReserved   = 32 // 8 reserved u32s
	userRoleReserved = 4  // pads the SID field to an 8-byte boundary
)

// ProtectPIDInput registers the service agent PID for protection. The
// caller of the first successful request becomes the registered agent.
type ProtectPIDInput struct {
	TargetPID uint32
	Flags     uint32 // reserved, must be zero
}

// UnlockInput carries the 256-bit pre-shared unload secret.
type UnlockInput struct {
	AuthKey [AuthKeyBytes]byte
}

// HeartbeatOutput is the live-state snapshot returned to the agent on every
// heartbeat so kernel-side anomalies are visible without a separate query.
type HeartbeatOutput struct {
	VersionMajor            uint32
	VersionMinor            uint32
	ProtectedPID            uint32
	ProcessProtectionActive byte
	FileProtectionActive    byte
	UnlockPermitted         byte
	HeartbeatAlive          byte
	FailedUnlockAttempts    uint32
	CurrentUserRole         uint32
	PolicyValid             uint32
	InputLocked             byte
	StealthActive           byte
	// 6 reserved bytes follow on the wire.
}

// SetUserRoleInput pushes the resolved user role to the engine.
type SetUserRoleInput struct {
	Role      uint32
	SessionID uint32
	UserSID   string // ≤ MaxSIDLength-1 bytes
}

// PolicyBuffer is the whole-buffer policy unit. It is replaced atomically,
// never field-updated.
type PolicyBuffer struct {
	Version             uint32
	Flags               uint32
	HeartbeatIntervalMs uint32
	HeartbeatTimeoutMs  uint32
	OrganizationalUnit  string // ≤ MaxOULength-1 bytes
	AllowedRoles        uint32
}

// HardLockInput engages or releases the input hard-lock latch.
type HardLockInput struct {
	Enable uint32
	Flags  uint32 // reserved, must be zero
}

// ProtectUIInput protects or releases the UI-overlay PID.
type ProtectUIInput struct {
	TargetPID uint32
	Protect   uint32 // 1 = protect, 0 = release
}

// Stealth feature bits.
const (
	StealthSuppressIndicator uint32 = 0x1
	StealthHideEnumeration   uint32 = 0x2
	StealthCloakDuplication  uint32 = 0x4
)

// StealthInput latches stealth mode and its feature bits.
type StealthInput struct {
	Enable uint32
	Flags  uint32
}

// BannedAppsInput replaces the banned-application list wholesale.
// Count==0 clears the list. Entries are bare image filenames.
type BannedAppsInput struct {
	ImageNames []string // ≤ MaxBannedApps entries, each ≤ MaxImageNameLen-1 bytes
}

// AlertOutput is one record from the alert channel. AlertNone with a zero
// source PID is the explicit "no alert available" sentinel.
type AlertOutput struct {
	Type      AlertType
	Timestamp int64 // unix nanoseconds
	SourcePID uint32
	Detail    string // ≤ MaxDetailLength-1 bytes
}
