package mach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/machtask/pkg/logflags"
)

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	// PollInterval bounds each blocking receive so that cancellation of
	// the wait context is noticed.
	PollInterval time.Duration
	// NonblockingTimeout is the whole wait window of a non-blocking wait.
	NonblockingTimeout time.Duration
	// ReplyTimeout is the send timeout of exception replies.
	ReplyTimeout time.Duration
	// Stops selects the signal exceptions that surface as stops.
	Stops StopFilter
	// PathCacheSize is the number of executable paths remembered.
	PathCacheSize int
	// ThreadListCapacity is the initial capacity Session.Threads uses.
	ThreadListCapacity int
	// ThreadListRetries is how many times Session.Threads grows its
	// capacity before giving up.
	ThreadListRetries int
}

const (
	defaultPollInterval       = 10 * time.Millisecond
	defaultNonblockingTimeout = 10 * time.Millisecond
	defaultReplyTimeout       = 10 * time.Millisecond
	defaultPathCacheSize      = 64
	defaultThreadListCapacity = 32
	defaultThreadListRetries  = 4
)

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.NonblockingTimeout <= 0 {
		o.NonblockingTimeout = defaultNonblockingTimeout
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = defaultReplyTimeout
	}
	if o.Stops.signals == nil {
		o.Stops = NewStopFilter()
	}
	if o.PathCacheSize <= 0 {
		o.PathCacheSize = defaultPathCacheSize
	}
	if o.ThreadListCapacity <= 0 {
		o.ThreadListCapacity = defaultThreadListCapacity
	}
	if o.ThreadListRetries <= 0 {
		o.ThreadListRetries = defaultThreadListRetries
	}
}

// Controller implements task acquisition, port registration, the event
// wait loop and the auxiliary queries on top of a Kernel.
//
// A Controller holds no per-target state: the handles and ports it returns
// belong to the caller, who must serialize their use.
type Controller struct {
	k      Kernel
	opts   Options
	log    logflags.Logger
	msgLog logflags.Logger
	paths  *lru.Cache
}

// NewController returns a Controller for k.
func NewController(k Kernel, opts Options) (*Controller, error) {
	opts.setDefaults()
	paths, err := lru.New(opts.PathCacheSize)
	if err != nil {
		return nil, err
	}
	return &Controller{
		k:      k,
		opts:   opts,
		log:    logflags.MachLogger(),
		msgLog: logflags.MachMsgLogger(),
		paths:  paths,
	}, nil
}

// Kernel returns the kernel the controller talks to.
func (c *Controller) Kernel() Kernel {
	return c.k
}

// Task is an acquired task handle and the pid it was acquired for.
type Task struct {
	Pid    int
	Handle TaskHandle
}

// Acquire obtains the task port of pid. The caller needs the privilege to
// control arbitrary processes.
func (c *Controller) Acquire(pid int) (Task, error) {
	if !validPid(pid) {
		return Task{}, fmt.Errorf("%w: pid %d", ErrNoSuchProcess, pid)
	}
	handle, err := c.k.TaskForPid(pid)
	if err == nil {
		c.log.Debugf("acquired task %#x for pid %d", handle, pid)
		return Task{Pid: pid, Handle: handle}, nil
	}
	if exists, perr := c.k.ProcessExists(pid); perr == nil && !exists {
		return Task{}, fmt.Errorf("%w: pid %d", ErrNoSuchProcess, pid)
	}
	var kr KernReturn
	if errors.As(err, &kr) {
		switch kr {
		case KernFailure, KernProtectionFailure, KernNoAccess:
			return Task{}, wrapKern(ErrPermissionDenied, fmt.Sprintf("task_for_pid(%d)", pid), err)
		}
	}
	return Task{}, wrapKern(ErrKernelFailure, fmt.Sprintf("task_for_pid(%d)", pid), err)
}

// validPid reports whether pid fits a pid_t.
func validPid(pid int) bool {
	return pid > 0 && pid <= math.MaxInt32
}

// Release drops the task send right obtained by Acquire.
func (c *Controller) Release(task Task) error {
	if task.Handle == TaskHandle(PortNull) {
		return nil
	}
	if err := c.k.Deallocate(Port(task.Handle)); err != nil {
		return wrapKern(ErrKernelFailure, "mach_port_deallocate(task)", err)
	}
	return nil
}

// IsAlive reports whether the task handle is still valid. Death is normally
// learned from the notification port; this is an opportunistic check.
func (c *Controller) IsAlive(task TaskHandle) bool {
	return c.k.TaskValid(task)
}

// Ports are the receive rights registered for one task. They are owned by
// the caller and released with Close.
type Ports struct {
	Exception    Port
	Notification Port
	Set          Port

	k          Kernel
	task       TaskHandle
	deathArmed bool
}

// DeathArmed reports whether a dead-name notification is still pending on
// the notification port. Wait clears it when it receives the death of the
// registered task.
func (p *Ports) DeathArmed() bool {
	return p.deathArmed
}

// Close destroys the ports and the port set. It is safe to call more than
// once.
func (p *Ports) Close() error {
	var first error
	for _, port := range []*Port{&p.Exception, &p.Notification, &p.Set} {
		if *port == PortNull {
			continue
		}
		if err := p.k.DestroyPort(*port); err != nil && first == nil {
			first = wrapKern(ErrKernelFailure, "mach_port_destroy", err)
		}
		*port = PortNull
	}
	p.deathArmed = false
	return first
}

// RegisterControl allocates an exception port and a notification port for
// task, redirects breakpoint and software exceptions to the former, arms a
// dead-name notification on the latter and groups both in a port set.
// Either every step succeeds or nothing is left registered.
func (c *Controller) RegisterControl(task TaskHandle) (ports *Ports, err error) {
	p := &Ports{k: c.k, task: task}
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		c.log.WithError(err).Debugf("registration of task %#x rolled back", task)
		ports = nil
	}()
	fail := func(step string, category error, err error) error {
		return &SetupError{Step: step, Err: wrapKern(category, step, err)}
	}
	destroy := func(port *Port) func() {
		return func() {
			_ = c.k.DestroyPort(*port)
			*port = PortNull
		}
	}

	if p.Exception, err = c.k.AllocatePort(); err != nil {
		return nil, fail("mach_port_allocate(exception)", ErrAllocationFailed, err)
	}
	undo = append(undo, destroy(&p.Exception))
	if err = c.k.InsertSendRight(p.Exception); err != nil {
		return nil, fail("mach_port_insert_right(exception)", ErrAllocationFailed, err)
	}
	if err = c.k.SetExceptionPorts(task, controlMask, p.Exception); err != nil {
		return nil, fail("task_set_exception_ports", ErrRegistrationFailed, err)
	}
	undo = append(undo, func() { _ = c.k.SetExceptionPorts(task, controlMask, PortNull) })

	if p.Notification, err = c.k.AllocatePort(); err != nil {
		return nil, fail("mach_port_allocate(notification)", ErrAllocationFailed, err)
	}
	undo = append(undo, destroy(&p.Notification))
	if err = c.k.InsertSendRight(p.Notification); err != nil {
		return nil, fail("mach_port_insert_right(notification)", ErrAllocationFailed, err)
	}
	if err = c.armDeathNotification(task, p); err != nil {
		return nil, fail("mach_port_request_notification", ErrRegistrationFailed, err)
	}

	if p.Set, err = c.k.AllocatePortSet(); err != nil {
		return nil, fail("mach_port_allocate(port set)", ErrAllocationFailed, err)
	}
	undo = append(undo, destroy(&p.Set))
	if err = c.k.MoveMember(p.Exception, p.Set); err != nil {
		return nil, fail("mach_port_move_member(exception)", ErrRegistrationFailed, err)
	}
	if err = c.k.MoveMember(p.Notification, p.Set); err != nil {
		return nil, fail("mach_port_move_member(notification)", ErrRegistrationFailed, err)
	}

	c.log.WithFields(logflags.Fields{
		"task":         fmt.Sprintf("%#x", task),
		"exception":    fmt.Sprintf("%#x", p.Exception),
		"notification": fmt.Sprintf("%#x", p.Notification),
		"set":          fmt.Sprintf("%#x", p.Set),
	}).Debug("control ports registered")
	return p, nil
}

// armDeathNotification requests the dead-name notification and releases
// the send-once right of a previous request, so that one registration is
// never duplicated.
func (c *Controller) armDeathNotification(task TaskHandle, p *Ports) error {
	prev, err := c.k.RequestDeadName(task, p.Notification)
	if err != nil {
		return err
	}
	if prev != PortNull {
		if err := c.k.Deallocate(prev); err != nil {
			c.log.Warnf("could not release previous dead name request %#x: %v", prev, err)
		}
	}
	p.deathArmed = true
	return nil
}

// DeregisterControl hands exception handling of task back to the default
// kernel handler and re-arms the death notification. The ports stay
// allocated; release them with Ports.Close.
func (c *Controller) DeregisterControl(task TaskHandle, ports *Ports) error {
	if err := c.k.SetExceptionPorts(task, controlMask, PortNull); err != nil {
		return wrapKern(ErrRegistrationFailed, "task_set_exception_ports(default)", err)
	}
	if err := c.armDeathNotification(task, ports); err != nil {
		return wrapKern(ErrRegistrationFailed, "mach_port_request_notification", err)
	}
	c.log.Debugf("control of task %#x handed back to the default handler", task)
	return nil
}

// PortSetMembers lists the ports in set.
func (c *Controller) PortSetMembers(set Port) ([]Port, error) {
	members, err := c.k.PortSetMembers(set)
	if err != nil {
		return nil, wrapKern(ErrKernelFailure, "mach_port_get_set_status", err)
	}
	return members, nil
}

// ThreadCount returns the number of threads of task, or -1 and an error if
// they could not be enumerated.
func (c *Controller) ThreadCount(task TaskHandle) (int, error) {
	threads, err := c.k.TaskThreads(task)
	if err != nil {
		return -1, wrapKern(ErrKernelFailure, "task_threads", err)
	}
	c.ReleaseThreads(threads)
	return len(threads), nil
}

// ListThreads returns the threads of task. If the task has more than
// capacity threads ErrBufferTooSmall is returned and nothing else: the
// caller must retry with a larger capacity. The returned rights belong to
// the caller, who releases them with ReleaseThreads.
func (c *Controller) ListThreads(task TaskHandle, capacity int) ([]ThreadHandle, error) {
	threads, err := c.k.TaskThreads(task)
	if err != nil {
		return nil, wrapKern(ErrKernelFailure, "task_threads", err)
	}
	if capacity < 0 || len(threads) > capacity {
		c.ReleaseThreads(threads)
		return nil, fmt.Errorf("%w: %d threads, capacity %d", ErrBufferTooSmall, len(threads), capacity)
	}
	return threads, nil
}

// ReleaseThreads drops the thread send rights returned by ListThreads.
func (c *Controller) ReleaseThreads(threads []ThreadHandle) {
	for _, th := range threads {
		if err := c.k.Deallocate(Port(th)); err != nil {
			c.log.Debugf("could not release thread %#x: %v", th, err)
		}
	}
}

// SuspendThread increments the suspend count of thread.
func (c *Controller) SuspendThread(thread ThreadHandle) error {
	if err := c.k.SuspendThread(thread); err != nil {
		return wrapKern(ErrKernelFailure, fmt.Sprintf("thread_suspend(%#x)", thread), err)
	}
	return nil
}

// ResumeThread decrements the suspend count of thread. Threads returned by
// Wait stay suspended until the caller resumes them.
func (c *Controller) ResumeThread(thread ThreadHandle) error {
	if err := c.k.ResumeThread(thread); err != nil {
		return wrapKern(ErrKernelFailure, fmt.Sprintf("thread_resume(%#x)", thread), err)
	}
	return nil
}

// ExecutablePath returns the path of the executable of pid. A path that
// filled the whole kernel buffer is returned together with
// ErrPathTruncated.
func (c *Controller) ExecutablePath(pid int) (string, error) {
	if !validPid(pid) {
		return "", fmt.Errorf("%w: pid %d", ErrPathNotFound, pid)
	}
	if v, ok := c.paths.Get(pid); ok {
		return v.(string), nil
	}
	raw, err := c.k.ProcPidPath(pid)
	if err != nil {
		return "", fmt.Errorf("%w: pid %d: %v", ErrPathNotFound, pid, err)
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: pid %d", ErrPathNotFound, pid)
	}
	path := string(raw)
	if len(raw) >= MaxPathSize-1 {
		return path, fmt.Errorf("%w: pid %d", ErrPathTruncated, pid)
	}
	c.paths.Add(pid, path)
	return path, nil
}

// ForgetPath drops the cached executable path of pid.
func (c *Controller) ForgetPath(pid int) {
	c.paths.Remove(pid)
}

// RaiseException sends an exception_raise request for thread to the
// exception port and waits for its reply. It is used to manufacture a stop
// and must be called while another goroutine services the port with Wait.
func (c *Controller) RaiseException(ctx context.Context, task TaskHandle, thread ThreadHandle, port Port, kind ExceptionType) error {
	reply, err := c.k.AllocatePort()
	if err != nil {
		return wrapKern(ErrAllocationFailed, "mach_port_allocate(reply)", err)
	}
	defer func() {
		if err := c.k.DestroyPort(reply); err != nil {
			c.log.Debugf("could not destroy reply port %#x: %v", reply, err)
		}
	}()

	req := &ExceptionRequest{
		Header: Header{
			Bits:   MsgBits(MsgTypeCopySend, MsgTypeMakeSendOnce),
			Remote: port,
			Local:  reply,
			ID:     ExceptionRaiseID,
		},
		Thread:    thread,
		Task:      task,
		Exception: kind,
	}
	msg, err := req.Encode()
	if err != nil {
		return err
	}
	c.msgLog.Debugf("raising %v on thread %#x", kind, thread)
	if err := c.k.Send(msg, SendMsg, 0); err != nil {
		return wrapKern(ErrKernelFailure, "exception_raise", err)
	}

	buf := make([]byte, receiveBufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.k.Receive(reply, buf, RcvMsg|RcvInterrupt|RcvTimeout, c.opts.PollInterval)
		if err != nil {
			var kr KernReturn
			if errors.As(err, &kr) && (kr == RcvTimedOut || kr == RcvInterrupted) {
				continue
			}
			return wrapKern(ErrKernelFailure, "exception_raise reply", err)
		}
		_, body, err := received(buf[:n])
		if err != nil {
			return err
		}
		h, ret, err := DecodeReply(body)
		if err != nil {
			return err
		}
		if h.ID != ExceptionRaiseID+ReplyIDOffset {
			return fmt.Errorf("%w: unexpected reply id %d", ErrMalformedMessage, h.ID)
		}
		if ret != KernSuccess {
			return wrapKern(ErrKernelFailure, "exception_raise", ret)
		}
		return nil
	}
}
