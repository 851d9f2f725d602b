package mach

import "time"

// Port is a mach port name in the caller's IPC space.
type Port uint32

// PortNull is MACH_PORT_NULL.
const PortNull Port = 0

// TaskHandle is a send right to a task port.
type TaskHandle Port

// ThreadHandle is a send right to a thread port. Callers must not assume it
// stays valid once the thread exits.
type ThreadHandle Port

// ExceptionType is an exception class as delivered in exception_raise
// messages (exception_type_t).
type ExceptionType int32

const (
	ExcBadAccess      ExceptionType = 1
	ExcBadInstruction ExceptionType = 2
	ExcArithmetic     ExceptionType = 3
	ExcEmulation      ExceptionType = 4
	ExcSoftware       ExceptionType = 5
	ExcBreakpoint     ExceptionType = 6
	ExcSyscall        ExceptionType = 7
	ExcMachSyscall    ExceptionType = 8
	ExcRPCAlert       ExceptionType = 9
	ExcCrash          ExceptionType = 10
	ExcResource       ExceptionType = 11
	ExcGuard          ExceptionType = 12
)

var exceptionTypeNames = map[ExceptionType]string{
	ExcBadAccess:      "EXC_BAD_ACCESS",
	ExcBadInstruction: "EXC_BAD_INSTRUCTION",
	ExcArithmetic:     "EXC_ARITHMETIC",
	ExcEmulation:      "EXC_EMULATION",
	ExcSoftware:       "EXC_SOFTWARE",
	ExcBreakpoint:     "EXC_BREAKPOINT",
	ExcSyscall:        "EXC_SYSCALL",
	ExcMachSyscall:    "EXC_MACH_SYSCALL",
	ExcRPCAlert:       "EXC_RPC_ALERT",
	ExcCrash:          "EXC_CRASH",
	ExcResource:       "EXC_RESOURCE",
	ExcGuard:          "EXC_GUARD",
}

func (e ExceptionType) String() string {
	if s, ok := exceptionTypeNames[e]; ok {
		return s
	}
	return "EXC_UNKNOWN"
}

// ExceptionMask selects the exception classes redirected to a port.
type ExceptionMask uint32

const (
	ExcMaskSoftware   ExceptionMask = 1 << ExcSoftware
	ExcMaskBreakpoint ExceptionMask = 1 << ExcBreakpoint

	// controlMask is the set of exceptions the control layer intercepts.
	controlMask = ExcMaskBreakpoint | ExcMaskSoftware
)

// ExcSoftSignal is the EXC_SOFTWARE subcode used for unix signals
// converted to exceptions; the second code carries the signal number.
const ExcSoftSignal int32 = 0x10003

// Receive and send options for mach_msg.
const (
	RcvMsg        uint32 = 0x00000002
	RcvTimeout    uint32 = 0x00000100
	RcvInterrupt  uint32 = 0x00000400
	SendMsg       uint32 = 0x00000001
	SendTimeout   uint32 = 0x00000010
	SendInterrupt uint32 = 0x00000040
)

// Kernel is the set of Mach primitives the control layer is built on. Every
// failing call returns a KernReturn (possibly wrapped). Implementations are
// not required to be safe for concurrent use except for Send and Receive on
// distinct ports, which the wait loop and RaiseException rely on.
type Kernel interface {
	// ProcessExists reports whether pid names a live process. It is used to
	// tell a missing process apart from a permission failure.
	ProcessExists(pid int) (bool, error)
	// TaskForPid is task_for_pid(mach_task_self(), pid).
	TaskForPid(pid int) (TaskHandle, error)
	// TaskValid performs a cheap task_info round trip on task.
	TaskValid(task TaskHandle) bool

	// AllocatePort allocates a port with a receive right.
	AllocatePort() (Port, error)
	// InsertSendRight makes a send right for a receive right we hold.
	InsertSendRight(port Port) error
	// AllocatePortSet allocates an empty port set.
	AllocatePortSet() (Port, error)
	// MoveMember moves the receive right port into set.
	MoveMember(port, set Port) error
	// PortSetMembers returns the members of set.
	PortSetMembers(set Port) ([]Port, error)
	// DestroyPort drops the receive right (or port set) named by port.
	DestroyPort(port Port) error
	// Deallocate drops one user reference of a send or send-once right.
	Deallocate(port Port) error

	// SetExceptionPorts is task_set_exception_ports with EXCEPTION_DEFAULT
	// behavior and THREAD_STATE_NONE. A PortNull port restores the default
	// kernel handling.
	SetExceptionPorts(task TaskHandle, mask ExceptionMask, port Port) error
	// RequestDeadName arms a MACH_NOTIFY_DEAD_NAME notification for task
	// delivered to notify. The previously armed send-once right, if any, is
	// returned so the caller can release it.
	RequestDeadName(task TaskHandle, notify Port) (Port, error)

	// Receive blocks on port (a receive right or a set) for at most timeout
	// and copies the message, trailer included, into buf. A zero timeout
	// polls.
	Receive(port Port, buf []byte, options uint32, timeout time.Duration) (int, error)
	// Send sends msg; the destination is the remote port in its header.
	Send(msg []byte, options uint32, timeout time.Duration) error

	SuspendThread(thread ThreadHandle) error
	ResumeThread(thread ThreadHandle) error
	// TaskThreads is task_threads; the kernel buffer is released before it
	// returns.
	TaskThreads(task TaskHandle) ([]ThreadHandle, error)

	// ProcPidPath is proc_pidpath. It returns the raw bytes copied by the
	// kernel, which may be empty or fill the whole buffer.
	ProcPidPath(pid int) ([]byte, error)
}

// MaxPathSize is PROC_PIDPATHINFO_MAXSIZE.
const MaxPathSize = 4 * 1024
