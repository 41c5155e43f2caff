package types

import "testing"

func TestCtlCode_Function(t *testing.T) {
	if got := Function(ReqProtectPID); got != 0x800 {
		t.Errorf("Function(ReqProtectPID) = 0x%x, want 0x800", got)
	}
	if got := Function(ReqSetBannedApps); got != 0x809 {
		t.Errorf("Function(ReqSetBannedApps) = 0x%x, want 0x809", got)
	}
}

func TestLayoutSizes_EightByteAligned(t *testing.T) {
	sizes := map[string]int{
		"protect-pid":   ProtectPIDInputSize,
		"unlock":        UnlockInputSize,
		"heartbeat":     HeartbeatOutputSize,
		"set-user-role": SetUserRoleInputSize,
		"policy":        PolicyBufferSize,
		"hard-lock":     HardLockInputSize,
		"protect-ui":    ProtectUIInputSize,
		"stealth":       StealthInputSize,
		"banned-apps":   BannedAppsInputSize,
		"alert":         AlertOutputSize,
	}
	for name, size := range sizes {
		if size%8 != 0 {
			t.Errorf("%s layout is %d bytes, not 8-byte aligned", name, size)
		}
	}
}

func TestBannedAppsInput_CountValidatedBeforeEntries(t *testing.T) {
	raw := make([]byte, BannedAppsInputSize)
	le.PutUint32(raw[0:4], MaxBannedApps+1)
	var in BannedAppsInput
	if err := in.UnmarshalBinary(raw); err == nil {
		t.Fatal("expected error for count above maximum")
	}
}

func TestBannedAppsInput_SkipsEmptyEntries(t *testing.T) {
	src := BannedAppsInput{ImageNames: []string{"notepad.exe", "cmd.exe"}}
	raw, err := src.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	// Declare three entries but leave the third empty.
	le.PutUint32(raw[0:4], 3)
	var in BannedAppsInput
	if err := in.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if len(in.ImageNames) != 2 {
		t.Errorf("got %d entries, want 2 (empty entry skipped)", len(in.ImageNames))
	}
}

func TestPolicyBuffer_RoundTrip(t *testing.T) {
	src := PolicyBuffer{
		Version:             PolicyVersionV1,
		Flags:               PolicyFlagBlockApps | PolicyFlagBlockUSB,
		HeartbeatIntervalMs: 2000,
		HeartbeatTimeoutMs:  6000,
		OrganizationalUnit:  "OU=Lab-3,DC=school,DC=local",
		AllowedRoles:        1 << uint32(RoleAdmin),
	}
	raw, err := src.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got PolicyBuffer
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if got != src {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, src)
	}
}

func TestPutFixedString_RejectsOverflow(t *testing.T) {
	field := make([]byte, 4)
	if err := putFixedString(field, "abcd"); err == nil {
		t.Error("expected error: no room for terminating NUL")
	}
	if err := putFixedString(field, "abc"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAlertOutput_DetailTruncated(t *testing.T) {
	long := make([]byte, MaxDetailLength*2)
	for i := range long {
		long[i] = 'x'
	}
	a := AlertOutput{Type: AlertFileTamper, SourcePID: 42, Detail: string(long)}
	raw, err := a.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got AlertOutput
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if len(got.Detail) != MaxDetailLength-1 {
		t.Errorf("detail length = %d, want %d", len(got.Detail), MaxDetailLength-1)
	}
	if got.Type != AlertFileTamper || got.SourcePID != 42 {
		t.Errorf("fields lost: %+v", got)
	}
}
