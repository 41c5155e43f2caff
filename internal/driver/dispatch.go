package driver

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/alerts"
	"github.com/tad-europe/rvguard/pkg/types"
	"github.com/tad-europe/rvguard/internal/unlock"
	"github.com/tad-europe/rvguard/internal/version"
)

// Request is one decoded control-endpoint request. CallerPID comes from the
// transport's peer-credential lookup and is trusted.
type Request struct {
	Code      uint32
	CallerPID uint32
	Input     []byte
	OutputCap int // bytes the caller reserved for the reply
}

// Response carries the synchronous outcome. Output is nil except on
// StatusOK for requests that produce one.
type Response struct {
	Status types.Status
	Output []byte
}

// authLevel is the caller-identity requirement of a request.
type authLevel int

const (
	// authAgentOptional requests are open until an agent registers, then
	// restricted to it.
	authAgentOptional authLevel = iota
	// authAgentStrict requests are refused until an agent registers, and
	// then restricted to it.
	authAgentStrict
)

type handlerFunc func(e *Engine, req Request) Response

// requestSpec declares per-request validation so the handlers only ever see
// well-formed, authorized input.
type requestSpec struct {
	name    string
	inSize  int
	outSize int
	auth    authLevel
	handle  handlerFunc
}

var requestTable = map[uint32]requestSpec{
	types.ReqProtectPID:    {"protect_pid", types.ProtectPIDInputSize, 0, authAgentOptional, handleProtectPID},
	types.ReqUnlock:        {"unlock", types.UnlockInputSize, 0, authAgentOptional, handleUnlock},
	types.ReqHeartbeat:     {"heartbeat", 0, types.HeartbeatOutputSize, authAgentOptional, handleHeartbeat},
	types.ReqSetUserRole:   {"set_user_role", types.SetUserRoleInputSize, 0, authAgentOptional, handleSetUserRole},
	types.ReqSetPolicy:     {"set_policy", types.PolicyBufferSize, 0, authAgentOptional, handleSetPolicy},
	types.ReqReadAlert:     {"read_alert", 0, types.AlertOutputSize, authAgentOptional, handleReadAlert},
	types.ReqHardLock:      {"hard_lock", types.HardLockInputSize, 0, authAgentStrict, handleHardLock},
	types.ReqProtectUI:     {"protect_ui", types.ProtectUIInputSize, 0, authAgentStrict, handleProtectUI},
	types.ReqStealth:       {"stealth", types.StealthInputSize, 0, authAgentStrict, handleStealth},
	types.ReqSetBannedApps: {"set_banned_apps", types.BannedAppsInputSize, 0, authAgentStrict, handleSetBannedApps},
}

// Dispatch resolves one control request. Validation order is fixed: request
// code, buffer sizes, caller identity, then the handler. Every path resolves
// to exactly one status.
func (e *Engine) Dispatch(req Request) Response {
	spec, ok := requestTable[req.Code]
	if !ok {
		e.log.WithField("code", req.Code).Warn("Unknown control request")
		observeRequest("unknown", types.StatusInvalidRequest)
		return Response{Status: types.StatusInvalidRequest}
	}

	resp := e.dispatch(spec, req)
	observeRequest(spec.name, resp.Status)
	if resp.Status != types.StatusOK {
		e.log.WithFields(logrus.Fields{
			"request": spec.name,
			"caller":  req.CallerPID,
			"status":  resp.Status.String(),
		}).Debug("Control request refused")
	}
	return resp
}

func (e *Engine) dispatch(spec requestSpec, req Request) Response {
	if len(req.Input) < spec.inSize {
		return Response{Status: types.StatusBufferTooSmall}
	}
	if req.OutputCap < spec.outSize {
		return Response{Status: types.StatusBufferTooSmall}
	}
	if !e.callerAuthorized(spec.auth, req.CallerPID) {
		return Response{Status: types.StatusAccessDenied}
	}
	return spec.handle(e, req)
}

// callerAuthorized enforces the agent-identity gate. Once an agent PID is
// registered it is the only caller the endpoint serves; strict requests are
// additionally refused while no agent is registered at all.
func (e *Engine) callerAuthorized(auth authLevel, caller uint32) bool {
	agent := e.agentPID.Load()
	switch auth {
	case authAgentStrict:
		return agent != 0 && caller == agent
	default:
		return agent == 0 || caller == agent
	}
}

func handleProtectPID(e *Engine, req Request) Response {
	var in types.ProtectPIDInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	if in.Flags != 0 || in.TargetPID == 0 {
		return Response{Status: types.StatusInvalidParameter}
	}
	if !e.lookup(in.TargetPID) {
		return Response{Status: types.StatusNotFound}
	}
	e.protectedPID.Store(in.TargetPID)
	e.agentPID.Store(in.TargetPID)
	e.log.WithField("pid", in.TargetPID).Info("Agent registered and protected")
	return Response{Status: types.StatusOK}
}

func handleUnlock(e *Engine, req Request) Response {
	var in types.UnlockInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	switch e.authority.Attempt(in.AuthKey[:]) {
	case unlock.ResultAccepted:
		e.log.WithField("caller", req.CallerPID).Info("Unlock accepted, unload permitted")
		return Response{Status: types.StatusOK}
	case unlock.ResultLockoutTriggered:
		e.log.WithField("caller", req.CallerPID).Warn("Unlock lockout triggered")
		e.queue.PublishText(types.AlertUnlockBruteForce, req.CallerPID, "unlock attempt limit reached")
		return Response{Status: types.StatusAccessDenied}
	default:
		return Response{Status: types.StatusAccessDenied}
	}
}

func handleHeartbeat(e *Engine, req Request) Response {
	e.watchdog.Beat()
	out := types.HeartbeatOutput{
		VersionMajor:         version.Major,
		VersionMinor:         version.Minor,
		ProtectedPID:         e.protectedPID.Load(),
		FailedUnlockAttempts: e.authority.FailedAttempts(),
		CurrentUserRole:      e.role.Load(),
	}
	if e.processProtectionActive {
		out.ProcessProtectionActive = 1
	}
	if e.fileProtectionActive {
		out.FileProtectionActive = 1
	}
	if e.authority.UnloadPermitted() {
		out.UnlockPermitted = 1
	}
	if e.watchdog.Alive() {
		out.HeartbeatAlive = 1
	}
	if e.policy.Valid() {
		out.PolicyValid = 1
	}
	if e.inputLocked.Load() {
		out.InputLocked = 1
	}
	if e.stealthActive.Load() {
		out.StealthActive = 1
	}
	b, err := out.MarshalBinary()
	if err != nil {
		return Response{Status: types.StatusInvalidParameter}
	}
	return Response{Status: types.StatusOK, Output: b}
}

func handleSetUserRole(e *Engine, req Request) Response {
	var in types.SetUserRoleInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	switch types.UserRole(in.Role) {
	case types.RoleStudent, types.RoleTeacher, types.RoleAdmin, types.RoleUnknown:
	default:
		return Response{Status: types.StatusInvalidParameter}
	}
	e.role.Store(in.Role)
	e.log.WithFields(logrus.Fields{
		"role":    types.UserRole(in.Role).String(),
		"session": in.SessionID,
	}).Info("User role updated")
	return Response{Status: types.StatusOK}
}

func handleSetPolicy(e *Engine, req Request) Response {
	var in types.PolicyBuffer
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	if st := e.policy.SetPolicy(&in); st != types.StatusOK {
		return Response{Status: st}
	}
	if in.HeartbeatTimeoutMs > 0 {
		e.watchdog.SetPeriod(time.Duration(in.HeartbeatTimeoutMs) * time.Millisecond)
	}
	return Response{Status: types.StatusOK}
}

func handleReadAlert(e *Engine, req Request) Response {
	out := alerts.None()
	if rec, ok := e.queue.TryDequeue(); ok {
		out = rec.Output()
	}
	b, err := out.MarshalBinary()
	if err != nil {
		return Response{Status: types.StatusInvalidParameter}
	}
	return Response{Status: types.StatusOK, Output: b}
}

func handleHardLock(e *Engine, req Request) Response {
	var in types.HardLockInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	if in.Flags != 0 {
		return Response{Status: types.StatusInvalidParameter}
	}
	e.inputLocked.Store(in.Enable != 0)
	e.log.WithField("locked", in.Enable != 0).Info("Input hard-lock updated")
	return Response{Status: types.StatusOK}
}

func handleProtectUI(e *Engine, req Request) Response {
	var in types.ProtectUIInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	if in.Protect != 0 {
		if in.TargetPID == 0 {
			return Response{Status: types.StatusInvalidParameter}
		}
		if !e.lookup(in.TargetPID) {
			return Response{Status: types.StatusNotFound}
		}
		e.protectedUIPID.Store(in.TargetPID)
		e.log.WithField("pid", in.TargetPID).Info("UI overlay protected")
	} else {
		e.protectedUIPID.Store(0)
		e.log.Info("UI overlay protection released")
	}
	return Response{Status: types.StatusOK}
}

func handleStealth(e *Engine, req Request) Response {
	var in types.StealthInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusBufferTooSmall}
	}
	enable := in.Enable != 0
	e.stealthActive.Store(enable)
	if enable {
		e.stealthFlags.Store(in.Flags)
	} else {
		e.stealthFlags.Store(0)
	}
	e.log.WithFields(logrus.Fields{
		"active": enable,
		"flags":  in.Flags,
	}).Info("Stealth mode updated")
	return Response{Status: types.StatusOK}
}

func handleSetBannedApps(e *Engine, req Request) Response {
	var in types.BannedAppsInput
	if err := in.UnmarshalBinary(req.Input); err != nil {
		return Response{Status: types.StatusInvalidParameter}
	}
	return Response{Status: e.policy.SetBannedApps(in.ImageNames)}
}
