// Package hooks defines the host-independent interceptor interfaces through
// which the engine observes and vetoes handle requests, file set-information
// operations, and process creation. The Registry holds registered
// interceptors as data; host bindings and tests drive them through the
// Dispatch methods, so adding an intercepted operation is an addition, not a
// branch in callers.
package hooks

import "sync"

// ObjectKind discriminates the kernel object class of a handle request.
type ObjectKind int

const (
	ObjectProcess ObjectKind = iota
	ObjectThread
)

func (k ObjectKind) String() string {
	if k == ObjectThread {
		return "thread"
	}
	return "process"
}

// AccessMask is a handle access-rights bitmask.
type AccessMask uint32

// Process access rights relevant to tamper protection.
const (
	ProcessTerminate     AccessMask = 0x0001
	ProcessCreateThread  AccessMask = 0x0002
	ProcessVMOperation   AccessMask = 0x0008
	ProcessVMWrite       AccessMask = 0x0020
	ProcessSuspendResume AccessMask = 0x0800
)

// Thread access rights relevant to tamper protection.
const (
	ThreadTerminate     AccessMask = 0x0001
	ThreadSuspendResume AccessMask = 0x0002
	ThreadSetContext    AccessMask = 0x0010
)

// HandleOp describes one handle-creation or handle-duplication request
// before the host grants it.
type HandleOp struct {
	Kind      ObjectKind
	TargetPID uint32
	CallerPID uint32
	Desired   AccessMask
	Duplicate bool
}

// HandleDecision is the (always-success) outcome of a handle pre-operation:
// the host proceeds with Granted instead of the requested mask.
type HandleDecision struct {
	Granted AccessMask
}

// HandleInterceptor pre-inspects handle requests.
type HandleInterceptor interface {
	PreHandle(op HandleOp) HandleDecision
}

// FileOpKind discriminates the intercepted set-information subclasses.
type FileOpKind int

const (
	FileOpDelete FileOpKind = iota
	FileOpRename
)

func (k FileOpKind) String() string {
	if k == FileOpRename {
		return "rename"
	}
	return "delete"
}

// FileOp describes one deletion-disposition or rename request.
type FileOp struct {
	Kind      FileOpKind
	Path      string
	CallerPID uint32
}

// FileDecision vetoes or passes a file operation. Block completes the
// operation with access-denied and suppresses the underlying call.
type FileDecision struct {
	Block bool
}

// FileInterceptor pre-inspects set-information operations. CanUnload gates
// detaching the interceptor from the host.
type FileInterceptor interface {
	PreSetInformation(op FileOp) FileDecision
	CanUnload() bool
}

// ProcessCreation describes a process at its creation notification, before
// it runs.
type ProcessCreation struct {
	PID       uint32
	ParentPID uint32
	ImagePath string
}

// CreateDecision vetoes or passes a process creation.
type CreateDecision struct {
	Deny bool
}

// ProcessNotifier observes process creation and may veto it.
type ProcessNotifier interface {
	OnProcessCreate(info ProcessCreation) CreateDecision
}

// Registry is the callback registration table. Registration happens at
// engine load in ordinary context; dispatch may happen concurrently from
// arbitrary host threads.
type Registry struct {
	mu      sync.RWMutex
	handle  []HandleInterceptor
	file    []FileInterceptor
	process []ProcessNotifier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterHandle adds a handle interceptor.
func (r *Registry) RegisterHandle(h HandleInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = append(r.handle, h)
}

// RegisterFile adds a file interceptor.
func (r *Registry) RegisterFile(f FileInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file = append(r.file, f)
}

// RegisterProcess adds a process-creation notifier.
func (r *Registry) RegisterProcess(p ProcessNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process = append(r.process, p)
}

// DispatchHandle runs every handle interceptor over the request. Each
// interceptor sees the mask as narrowed by its predecessors; the result is
// always a success with a possibly-reduced mask.
func (r *Registry) DispatchHandle(op HandleOp) HandleDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	granted := op.Desired
	for _, h := range r.handle {
		op.Desired = granted
		granted = h.PreHandle(op).Granted
	}
	return HandleDecision{Granted: granted}
}

// DispatchFile runs file interceptors until one blocks the operation.
func (r *Registry) DispatchFile(op FileOp) FileDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.file {
		if f.PreSetInformation(op).Block {
			return FileDecision{Block: true}
		}
	}
	return FileDecision{}
}

// DispatchProcessCreate runs process notifiers until one denies creation.
func (r *Registry) DispatchProcessCreate(info ProcessCreation) CreateDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.process {
		if p.OnProcessCreate(info).Deny {
			return CreateDecision{Deny: true}
		}
	}
	return CreateDecision{}
}

// CanUnloadFilters reports whether every registered file interceptor
// permits detaching.
func (r *Registry) CanUnloadFilters() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.file {
		if !f.CanUnload() {
			return false
		}
	}
	return true
}
