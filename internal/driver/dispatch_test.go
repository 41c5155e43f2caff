package driver

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/config"
	"github.com/tad-europe/rvguard/internal/hooks"
	"github.com/tad-europe/rvguard/pkg/types"
	"github.com/tad-europe/rvguard/internal/version"
)

// unlockKey reconstructs the pre-shared unload secret the bridge agent
// carries.
func unlockKey() [types.AuthKeyBytes]byte {
	obfuscated := [types.AuthKeyBytes]byte{
		0xF3, 0xE6, 0xE3, 0x8A, 0xF5, 0xF1, 0x89, 0xF4,
		0xE2, 0xE4, 0xF2, 0xF5, 0xEE, 0xF3, 0xF2, 0xEC,
		0xE2, 0xFE, 0x97, 0x96, 0x95, 0x94, 0x93, 0x92,
		0xEA, 0xE8, 0xE9, 0xEE, 0xF3, 0xE8, 0xE9, 0x86,
	}
	var key [types.AuthKeyBytes]byte
	for i, b := range obfuscated {
		key[i] = b ^ 0xA7
	}
	return key
}

func testEngine(t *testing.T, existingPIDs ...uint32) *Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := testConfig()
	pids := make(map[uint32]bool, len(existingPIDs))
	for _, p := range existingPIDs {
		pids[p] = true
	}
	e := New(cfg, log, WithProcessLookup(func(pid uint32) bool {
		return pids[pid]
	}))
	if err := e.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func testConfig() config.Config {
	return config.Config{
		WatchdogPeriod:     time.Second,
		MaxUnlockAttempts:  5,
		LockoutDuration:    time.Hour,
		ProtectedFilenames: []string{"TAD.RV.sys", "TadBridgeService.exe", "TAD.RV.exe"},
	}
}

func mustDispatch(t *testing.T, e *Engine, req Request, want types.Status) Response {
	t.Helper()
	resp := e.Dispatch(req)
	if resp.Status != want {
		t.Fatalf("Dispatch(%#x) status = %v, want %v", req.Code, resp.Status, want)
	}
	return resp
}

func registerAgent(t *testing.T, e *Engine, pid uint32) {
	t.Helper()
	in, _ := (&types.ProtectPIDInput{TargetPID: pid}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectPID, CallerPID: pid, Input: in}, types.StatusOK)
}

func TestDispatch_UnknownCode(t *testing.T) {
	e := testEngine(t)
	resp := e.Dispatch(Request{Code: 0xDEADBEEF, CallerPID: 1})
	if resp.Status != types.StatusInvalidRequest {
		t.Fatalf("status = %v, want invalid_request", resp.Status)
	}
}

func TestDispatch_ShortInputBuffer(t *testing.T) {
	e := testEngine(t)
	resp := e.Dispatch(Request{Code: types.ReqUnlock, CallerPID: 1, Input: make([]byte, 8)})
	if resp.Status != types.StatusBufferTooSmall {
		t.Fatalf("status = %v, want buffer_too_small", resp.Status)
	}
}

func TestDispatch_ShortOutputBuffer(t *testing.T) {
	e := testEngine(t)
	resp := e.Dispatch(Request{Code: types.ReqHeartbeat, CallerPID: 1, OutputCap: 8})
	if resp.Status != types.StatusBufferTooSmall {
		t.Fatalf("status = %v, want buffer_too_small", resp.Status)
	}
}

func TestProtectPID_RegistersAgent(t *testing.T) {
	e := testEngine(t, 4321)
	registerAgent(t, e, 4321)
	if got := e.ServicePID(); got != 4321 {
		t.Errorf("ServicePID = %d, want 4321", got)
	}

	// Any further request from another process is refused outright.
	key := unlockKey()
	in, _ := (&types.UnlockInput{AuthKey: key}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqUnlock, CallerPID: 9999, Input: in}, types.StatusAccessDenied)
	if e.UnloadPermitted() {
		t.Error("correct key from a non-agent caller must not unlock")
	}
}

func TestProtectPID_Validation(t *testing.T) {
	e := testEngine(t, 4321)

	in, _ := (&types.ProtectPIDInput{TargetPID: 4321, Flags: 1}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectPID, CallerPID: 4321, Input: in}, types.StatusInvalidParameter)

	in, _ = (&types.ProtectPIDInput{TargetPID: 0}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectPID, CallerPID: 4321, Input: in}, types.StatusInvalidParameter)

	in, _ = (&types.ProtectPIDInput{TargetPID: 5555}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectPID, CallerPID: 4321, Input: in}, types.StatusNotFound)
}

func TestUnlock_CorrectKeyPermitsUnload(t *testing.T) {
	e := testEngine(t)
	key := unlockKey()
	in, _ := (&types.UnlockInput{AuthKey: key}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqUnlock, CallerPID: 77, Input: in}, types.StatusOK)
	if !e.UnloadPermitted() {
		t.Fatal("unload not permitted after correct key")
	}
	if err := e.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}
}

func TestUnlock_LockoutRaisesAlertOnce(t *testing.T) {
	e := testEngine(t)
	key := unlockKey()
	key[0] ^= 0xFF
	in, _ := (&types.UnlockInput{AuthKey: key}).MarshalBinary()

	for i := 0; i < 5; i++ {
		mustDispatch(t, e, Request{Code: types.ReqUnlock, CallerPID: 9999, Input: in}, types.StatusAccessDenied)
	}

	rec, ok := e.Alerts().TryDequeue()
	if !ok {
		t.Fatal("expected a brute-force alert after the attempt limit")
	}
	if rec.Type != types.AlertUnlockBruteForce {
		t.Errorf("alert type = %v, want unlock_brute_force", rec.Type)
	}
	if rec.SourcePID != 9999 {
		t.Errorf("alert source PID = %d, want 9999", rec.SourcePID)
	}
	if _, ok := e.Alerts().TryDequeue(); ok {
		t.Error("lockout must raise exactly one alert")
	}

	// Even the correct key is refused inside the lockout window.
	good, _ := (&types.UnlockInput{AuthKey: unlockKey()}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqUnlock, CallerPID: 9999, Input: good}, types.StatusAccessDenied)
}

func TestStrictRequests_RequireRegisteredAgent(t *testing.T) {
	e := testEngine(t, 4321)
	in, _ := (&types.HardLockInput{Enable: 1}).MarshalBinary()

	// No agent registered yet: strict requests are refused for everyone.
	mustDispatch(t, e, Request{Code: types.ReqHardLock, CallerPID: 4321, Input: in}, types.StatusAccessDenied)

	registerAgent(t, e, 4321)
	mustDispatch(t, e, Request{Code: types.ReqHardLock, CallerPID: 4321, Input: in}, types.StatusOK)
	if !e.InputLocked() {
		t.Error("hard lock not latched")
	}
	mustDispatch(t, e, Request{Code: types.ReqHardLock, CallerPID: 9999, Input: in}, types.StatusAccessDenied)
}

func TestHeartbeat_Snapshot(t *testing.T) {
	e := testEngine(t, 4321)
	registerAgent(t, e, 4321)

	role, _ := (&types.SetUserRoleInput{Role: uint32(types.RoleTeacher), SessionID: 2, UserSID: "S-1-5-21-1-2-3-1001"}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetUserRole, CallerPID: 4321, Input: role}, types.StatusOK)

	pol, _ := (&types.PolicyBuffer{Version: types.PolicyVersionV1, Flags: types.PolicyFlagBlockUSB, OrganizationalUnit: "OU=Lab"}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetPolicy, CallerPID: 4321, Input: pol}, types.StatusOK)

	resp := mustDispatch(t, e, Request{Code: types.ReqHeartbeat, CallerPID: 4321, OutputCap: types.HeartbeatOutputSize}, types.StatusOK)
	var out types.HeartbeatOutput
	if err := out.UnmarshalBinary(resp.Output); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if out.VersionMajor != version.Major || out.VersionMinor != version.Minor {
		t.Errorf("version = %d.%d, want %d.%d", out.VersionMajor, out.VersionMinor, version.Major, version.Minor)
	}
	if out.ProtectedPID != 4321 {
		t.Errorf("protected PID = %d, want 4321", out.ProtectedPID)
	}
	if out.ProcessProtectionActive != 1 || out.FileProtectionActive != 1 {
		t.Error("protection flags should be active after load")
	}
	if out.CurrentUserRole != uint32(types.RoleTeacher) {
		t.Errorf("role = %d, want teacher", out.CurrentUserRole)
	}
	if out.PolicyValid != 1 {
		t.Error("policy should be valid after push")
	}
	if out.UnlockPermitted != 0 {
		t.Error("unlock must not be permitted")
	}
	if out.HeartbeatAlive != 1 {
		t.Error("heartbeat flag should be set right after a beat")
	}
}

func TestSetPolicy_RetunesWatchdog(t *testing.T) {
	e := testEngine(t, 4321)
	registerAgent(t, e, 4321)
	pol, _ := (&types.PolicyBuffer{Version: types.PolicyVersionV1, HeartbeatTimeoutMs: 12000}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetPolicy, CallerPID: 4321, Input: pol}, types.StatusOK)
	if got := e.Watchdog().Period(); got != 12*time.Second {
		t.Errorf("watchdog period = %v, want 12s", got)
	}
}

func TestSetPolicy_RejectsUnknownVersion(t *testing.T) {
	e := testEngine(t)
	pol, _ := (&types.PolicyBuffer{Version: 2}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetPolicy, CallerPID: 1, Input: pol}, types.StatusInvalidParameter)
}

func TestSetUserRole_RejectsUnknownValue(t *testing.T) {
	e := testEngine(t)
	role, _ := (&types.SetUserRoleInput{Role: 7}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetUserRole, CallerPID: 1, Input: role}, types.StatusInvalidParameter)
}

func TestReadAlert_SentinelThenRecord(t *testing.T) {
	e := testEngine(t)

	resp := mustDispatch(t, e, Request{Code: types.ReqReadAlert, CallerPID: 1, OutputCap: types.AlertOutputSize}, types.StatusOK)
	var out types.AlertOutput
	if err := out.UnmarshalBinary(resp.Output); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if out.Type != types.AlertNone {
		t.Fatalf("empty queue should yield the sentinel, got %v", out.Type)
	}

	e.Alerts().PublishText(types.AlertFileTamper, 321, "delete denied for tad.rv.sys")
	resp = mustDispatch(t, e, Request{Code: types.ReqReadAlert, CallerPID: 1, OutputCap: types.AlertOutputSize}, types.StatusOK)
	if err := out.UnmarshalBinary(resp.Output); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if out.Type != types.AlertFileTamper || out.SourcePID != 321 {
		t.Errorf("alert = %v pid %d, want file_tamper pid 321", out.Type, out.SourcePID)
	}
	if out.Detail != "delete denied for tad.rv.sys" {
		t.Errorf("alert detail = %q", out.Detail)
	}
}

func TestBannedApps_CreationGateEndToEnd(t *testing.T) {
	e := testEngine(t, 4321)
	registerAgent(t, e, 4321)

	pol, _ := (&types.PolicyBuffer{Version: types.PolicyVersionV1, Flags: types.PolicyFlagBlockApps}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetPolicy, CallerPID: 4321, Input: pol}, types.StatusOK)

	apps, _ := (&types.BannedAppsInput{ImageNames: []string{"notepad.exe", "mspaint.exe"}}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqSetBannedApps, CallerPID: 4321, Input: apps}, types.StatusOK)

	dec := e.Registry().DispatchProcessCreate(hooks.ProcessCreation{
		PID:       7001,
		ParentPID: 600,
		ImagePath: `C:\Windows\System32\NOTEPAD.EXE`,
	})
	if !dec.Deny {
		t.Fatal("banned image creation must be denied")
	}
	rec, ok := e.Alerts().TryDequeue()
	if !ok || rec.Type != types.AlertProcessBlocked || rec.SourcePID != 7001 {
		t.Errorf("expected process_blocked alert for PID 7001, got %+v ok=%v", rec, ok)
	}

	dec = e.Registry().DispatchProcessCreate(hooks.ProcessCreation{
		PID:       7002,
		ImagePath: `C:\Windows\System32\calc.exe`,
	})
	if dec.Deny {
		t.Error("unlisted image must pass")
	}
}

func TestProtectUI_SetAndRelease(t *testing.T) {
	e := testEngine(t, 4321, 5000)
	registerAgent(t, e, 4321)

	in, _ := (&types.ProtectUIInput{TargetPID: 5000, Protect: 1}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectUI, CallerPID: 4321, Input: in}, types.StatusOK)
	if e.UIPID() != 5000 {
		t.Errorf("UIPID = %d, want 5000", e.UIPID())
	}

	in, _ = (&types.ProtectUIInput{TargetPID: 6000, Protect: 1}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectUI, CallerPID: 4321, Input: in}, types.StatusNotFound)

	in, _ = (&types.ProtectUIInput{Protect: 0}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqProtectUI, CallerPID: 4321, Input: in}, types.StatusOK)
	if e.UIPID() != 0 {
		t.Errorf("UIPID = %d after release, want 0", e.UIPID())
	}
}

func TestStealth_LatchAndFlags(t *testing.T) {
	e := testEngine(t, 4321)
	registerAgent(t, e, 4321)

	in, _ := (&types.StealthInput{Enable: 1, Flags: types.StealthSuppressIndicator | types.StealthHideEnumeration}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqStealth, CallerPID: 4321, Input: in}, types.StatusOK)
	if !e.StealthActive() {
		t.Fatal("stealth not latched")
	}
	if got := e.stealthFlags.Load(); got != types.StealthSuppressIndicator|types.StealthHideEnumeration {
		t.Errorf("stealth flags = %#x", got)
	}

	in, _ = (&types.StealthInput{Enable: 0}).MarshalBinary()
	mustDispatch(t, e, Request{Code: types.ReqStealth, CallerPID: 4321, Input: in}, types.StatusOK)
	if e.StealthActive() || e.stealthFlags.Load() != 0 {
		t.Error("disabling stealth must clear the latch and flags")
	}
}

func TestUnload_RefusedWhileLocked(t *testing.T) {
	e := testEngine(t)
	if err := e.Unload(); err == nil {
		t.Fatal("unload must fail before a correct unlock")
	}
}
