package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire sizes of the fixed layouts. Dispatch validates caller buffers against
// these before any payload byte is touched.
const (
	ProtectPIDInputSize  = 8
	UnlockInputSize      = AuthKeyBytes
	HeartbeatOutputSize  = 32
	SetUserRoleInputSize = 8 + MaxSIDLength + userRoleReserved    // 80
	PolicyBufferSize     = 16 + MaxOULength + 4 + policyReserved + 4 // 312
	HardLockInputSize    = 8
	ProtectUIInputSize   = 8
	StealthInputSize     = 8
	BannedAppsInputSize  = 8 + MaxBannedApps*MaxImageNameLen // 2056
	AlertOutputSize      = 24 + MaxDetailLength              // 152
)

var le = binary.LittleEndian

// putFixedString copies s into a fixed NUL-padded field. The terminating NUL
// is mandatory, so s must be strictly shorter than the field.
func putFixedString(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("string length %d exceeds field size %d", len(s), len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

// getFixedString reads a NUL-padded field up to the first NUL.
func getFixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func shortBuffer(what string, got, want int) error {
	return fmt.Errorf("%s: buffer %d bytes, need %d", what, got, want)
}

func (p *ProtectPIDInput) UnmarshalBinary(b []byte) error {
	if len(b) < ProtectPIDInputSize {
		return shortBuffer("protect-pid input", len(b), ProtectPIDInputSize)
	}
	p.TargetPID = le.Uint32(b[0:4])
	p.Flags = le.Uint32(b[4:8])
	return nil
}

func (p *ProtectPIDInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, ProtectPIDInputSize)
	le.PutUint32(b[0:4], p.TargetPID)
	le.PutUint32(b[4:8], p.Flags)
	return b, nil
}

func (u *UnlockInput) UnmarshalBinary(b []byte) error {
	if len(b) < UnlockInputSize {
		return shortBuffer("unlock input", len(b), UnlockInputSize)
	}
	copy(u.AuthKey[:], b[:AuthKeyBytes])
	return nil
}

func (u *UnlockInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, UnlockInputSize)
	copy(b, u.AuthKey[:])
	return b, nil
}

func (h *HeartbeatOutput) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeartbeatOutputSize)
	le.PutUint32(b[0:4], h.VersionMajor)
	le.PutUint32(b[4:8], h.VersionMinor)
	le.PutUint32(b[8:12], h.ProtectedPID)
	b[12] = h.ProcessProtectionActive
	b[13] = h.FileProtectionActive
	b[14] = h.UnlockPermitted
	b[15] = h.HeartbeatAlive
	le.PutUint32(b[16:20], h.FailedUnlockAttempts)
	le.PutUint32(b[20:24], h.CurrentUserRole)
	le.PutUint32(b[24:28], h.PolicyValid)
	b[28] = h.InputLocked
	b[29] = h.StealthActive
	return b, nil
}

func (h *HeartbeatOutput) UnmarshalBinary(b []byte) error {
	if len(b) < HeartbeatOutputSize {
		return shortBuffer("heartbeat output", len(b), HeartbeatOutputSize)
	}
	h.VersionMajor = le.Uint32(b[0:4])
	h.VersionMinor = le.Uint32(b[4:8])
	h.ProtectedPID = le.Uint32(b[8:12])
	h.ProcessProtectionActive = b[12]
	h.FileProtectionActive = b[13]
	h.UnlockPermitted = b[14]
	h.HeartbeatAlive = b[15]
	h.FailedUnlockAttempts = le.Uint32(b[16:20])
	h.CurrentUserRole = le.Uint32(b[20:24])
	h.PolicyValid = le.Uint32(b[24:28])
	h.InputLocked = b[28]
	h.StealthActive = b[29]
	return nil
}

func (s *SetUserRoleInput) UnmarshalBinary(b []byte) error {
	if len(b) < SetUserRoleInputSize {
		return shortBuffer("set-user-role input", len(b), SetUserRoleInputSize)
	}
	s.Role = le.Uint32(b[0:4])
	s.SessionID = le.Uint32(b[4:8])
	s.UserSID = getFixedString(b[8 : 8+MaxSIDLength])
	return nil
}

func (s *SetUserRoleInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, SetUserRoleInputSize)
	le.PutUint32(b[0:4], s.Role)
	le.PutUint32(b[4:8], s.SessionID)
	if err := putFixedString(b[8:8+MaxSIDLength], s.UserSID); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PolicyBuffer) UnmarshalBinary(b []byte) error {
	if len(b) < PolicyBufferSize {
		return shortBuffer("policy buffer", len(b), PolicyBufferSize)
	}
	p.Version = le.Uint32(b[0:4])
	p.Flags = le.Uint32(b[4:8])
	p.HeartbeatIntervalMs = le.Uint32(b[8:12])
	p.HeartbeatTimeoutMs = le.Uint32(b[12:16])
	p.OrganizationalUnit = getFixedString(b[16 : 16+MaxOULength])
	p.AllowedRoles = le.Uint32(b[16+MaxOULength : 20+MaxOULength])
	return nil
}

func (p *PolicyBuffer) MarshalBinary() ([]byte, error) {
	b := make([]byte, PolicyBufferSize)
	le.PutUint32(b[0:4], p.Version)
	le.PutUint32(b[4:8], p.Flags)
	le.PutUint32(b[8:12], p.HeartbeatIntervalMs)
	le.PutUint32(b[12:16], p.HeartbeatTimeoutMs)
	if err := putFixedString(b[16:16+MaxOULength], p.OrganizationalUnit); err != nil {
		return nil, err
	}
	le.PutUint32(b[16+MaxOULength:20+MaxOULength], p.AllowedRoles)
	return b, nil
}

func (h *HardLockInput) UnmarshalBinary(b []byte) error {
	if len(b) < HardLockInputSize {
		return shortBuffer("hard-lock input", len(b), HardLockInputSize)
	}
	h.Enable = le.Uint32(b[0:4])
	h.Flags = le.Uint32(b[4:8])
	return nil
}

func (h *HardLockInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, HardLockInputSize)
	le.PutUint32(b[0:4], h.Enable)
	le.PutUint32(b[4:8], h.Flags)
	return b, nil
}

func (p *ProtectUIInput) UnmarshalBinary(b []byte) error {
	if len(b) < ProtectUIInputSize {
		return shortBuffer("protect-ui input", len(b), ProtectUIInputSize)
	}
	p.TargetPID = le.Uint32(b[0:4])
	p.Protect = le.Uint32(b[4:8])
	return nil
}

func (p *ProtectUIInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, ProtectUIInputSize)
	le.PutUint32(b[0:4], p.TargetPID)
	le.PutUint32(b[4:8], p.Protect)
	return b, nil
}

func (s *StealthInput) UnmarshalBinary(b []byte) error {
	if len(b) < StealthInputSize {
		return shortBuffer("stealth input", len(b), StealthInputSize)
	}
	s.Enable = le.Uint32(b[0:4])
	s.Flags = le.Uint32(b[4:8])
	return nil
}

func (s *StealthInput) MarshalBinary() ([]byte, error) {
	b := make([]byte, StealthInputSize)
	le.PutUint32(b[0:4], s.Enable)
	le.PutUint32(b[4:8], s.Flags)
	return b, nil
}

// UnmarshalBinary validates the declared entry count against the fixed array
// bounds before touching any entry, then keeps only well-formed names.
func (l *BannedAppsInput) UnmarshalBinary(b []byte) error {
	if len(b) < BannedAppsInputSize {
		return shortBuffer("banned-apps input", len(b), BannedAppsInputSize)
	}
	count := le.Uint32(b[0:4])
	if count > MaxBannedApps {
		return fmt.Errorf("banned-apps count %d exceeds maximum %d", count, MaxBannedApps)
	}
	l.ImageNames = l.ImageNames[:0]
	for i := uint32(0); i < count; i++ {
		off := 8 + int(i)*MaxImageNameLen
		name := getFixedString(b[off : off+MaxImageNameLen])
		if name == "" || len(name) >= MaxImageNameLen {
			continue
		}
		l.ImageNames = append(l.ImageNames, name)
	}
	return nil
}

func (l *BannedAppsInput) MarshalBinary() ([]byte, error) {
	if len(l.ImageNames) > MaxBannedApps {
		return nil, fmt.Errorf("banned-apps count %d exceeds maximum %d", len(l.ImageNames), MaxBannedApps)
	}
	b := make([]byte, BannedAppsInputSize)
	le.PutUint32(b[0:4], uint32(len(l.ImageNames)))
	for i, name := range l.ImageNames {
		off := 8 + i*MaxImageNameLen
		if err := putFixedString(b[off:off+MaxImageNameLen], name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (a *AlertOutput) MarshalBinary() ([]byte, error) {
	b := make([]byte, AlertOutputSize)
	le.PutUint32(b[0:4], uint32(a.Type))
	le.PutUint64(b[8:16], uint64(a.Timestamp))
	le.PutUint32(b[16:20], a.SourcePID)
	detail := a.Detail
	if len(detail) >= MaxDetailLength {
		detail = detail[:MaxDetailLength-1]
	}
	if err := putFixedString(b[24:24+MaxDetailLength], detail); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *AlertOutput) UnmarshalBinary(b []byte) error {
	if len(b) < AlertOutputSize {
		return shortBuffer("alert output", len(b), AlertOutputSize)
	}
	a.Type = AlertType(le.Uint32(b[0:4]))
	a.Timestamp = int64(le.Uint64(b[8:16]))
	a.SourcePID = le.Uint32(b[16:20])
	a.Detail = getFixedString(b[24 : 24+MaxDetailLength])
	return nil
}
