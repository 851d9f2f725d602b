// Package machtest provides an in-memory mach.Kernel. Messages are stored
// and delivered in the same binary layout the real kernel uses, so the wait
// loop decodes exactly what it would decode on macOS.
package machtest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-delve/machtask/pkg/mach"
)

// Kernel is a fake mach.Kernel holding processes, ports and message queues.
// It is safe for concurrent use.
type Kernel struct {
	mu      sync.Mutex
	changed chan struct{}

	next      mach.Port
	seq       uint64
	ports     map[mach.Port]*port
	onceRight map[mach.Port]*onceRight
	tasks     map[mach.TaskHandle]*Process
	pids      map[int]*Process
	threads   map[mach.ThreadHandle]*thread

	failures   map[string]mach.KernReturn
	interrupts int
	replies    []mach.KernReturn
	released   map[mach.Port]int
}

type port struct {
	name    mach.Port
	isSet   bool
	sendOK  bool
	set     mach.Port
	members map[mach.Port]bool
	queue   []queued
}

type queued struct {
	seq uint64
	msg []byte
}

// onceRight is a send-once right: the reply port of an exception raised by
// the fake kernel, or a stale dead-name request handed back to the caller.
type onceRight struct {
	thread mach.ThreadHandle
}

type thread struct {
	handle  mach.ThreadHandle
	proc    *Process
	suspend int
}

// Process is a fake target process.
type Process struct {
	Pid     int
	Task    mach.TaskHandle
	Path    string
	Threads []mach.ThreadHandle

	alive     bool
	denied    bool
	excPort   mach.Port
	excMask   mach.ExceptionMask
	deadName  mach.Port
	deadNames int
}

// NewKernel returns an empty fake kernel.
func NewKernel() *Kernel {
	return &Kernel{
		changed:   make(chan struct{}),
		next:      0x1003,
		ports:     make(map[mach.Port]*port),
		onceRight: make(map[mach.Port]*onceRight),
		tasks:     make(map[mach.TaskHandle]*Process),
		pids:      make(map[int]*Process),
		threads:   make(map[mach.ThreadHandle]*thread),
		failures:  make(map[string]mach.KernReturn),
		released:  make(map[mach.Port]int),
	}
}

// wake must be called with k.mu held.
func (k *Kernel) wake() {
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Kernel) newName() mach.Port {
	name := k.next
	k.next += 0x100
	return name
}

// fail consumes an injected failure for op.
func (k *Kernel) fail(op string) error {
	if kr, ok := k.failures[op]; ok {
		delete(k.failures, op)
		return kr
	}
	return nil
}

// Fail makes the next call of op return kr. Op is the name of the mach
// call, for example "task_set_exception_ports" or "mach_msg_send".
func (k *Kernel) Fail(op string, kr mach.KernReturn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failures[op] = kr
}

// AddProcess creates a live process with nthreads threads.
func (k *Kernel) AddProcess(pid int, path string, nthreads int) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &Process{Pid: pid, Task: mach.TaskHandle(k.newName()), Path: path, alive: true}
	for i := 0; i < nthreads; i++ {
		p.addThread(k)
	}
	k.tasks[p.Task] = p
	k.pids[pid] = p
	return p
}

func (p *Process) addThread(k *Kernel) mach.ThreadHandle {
	th := &thread{handle: mach.ThreadHandle(k.newName()), proc: p}
	k.threads[th.handle] = th
	p.Threads = append(p.Threads, th.handle)
	return th.handle
}

// AddThread adds a thread to the process of pid.
func (k *Kernel) AddThread(pid int) mach.ThreadHandle {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pids[pid].addThread(k)
}

// Deny makes task_for_pid fail for pid as it does without the debugging
// entitlement.
func (k *Kernel) Deny(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pids[pid].denied = true
}

// Exit terminates the process of pid. If a dead-name notification is armed
// for its task it is delivered, once.
func (k *Kernel) Exit(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.pids[pid]
	p.alive = false
	delete(k.pids, pid)
	for _, th := range p.Threads {
		delete(k.threads, th)
	}
	p.Threads = nil
	if p.deadName != mach.PortNull {
		n := &mach.DeadNameNotification{
			Header: mach.Header{Bits: mach.MsgBits(mach.MsgTypeMoveSendOnce, 0), Local: p.deadName},
			Name:   mach.Port(p.Task),
		}
		k.enqueue(p.deadName, n.Encode())
		p.deadName = mach.PortNull
		p.deadNames = 0
	}
}

// Interrupt makes a pending or the next Receive return MACH_RCV_INTERRUPTED.
func (k *Kernel) Interrupt() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interrupts++
	k.wake()
}

// Raise delivers an exception of thread to its task's exception port as
// the kernel does when the thread faults. The thread is held until the
// exception is replied to.
func (k *Kernel) Raise(th mach.ThreadHandle, exc mach.ExceptionType, codes ...int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[th]
	if !ok {
		return mach.KernInvalidArgument
	}
	p := t.proc
	if p.excPort == mach.PortNull || p.excMask&(1<<uint(exc)) == 0 {
		return fmt.Errorf("no exception port registered for %v on task %#x", exc, p.Task)
	}
	reply := k.newName()
	k.onceRight[reply] = &onceRight{thread: th}
	req := &mach.ExceptionRequest{
		Header: mach.Header{
			Bits:   mach.MsgBits(mach.MsgTypeMoveSendOnce, 0),
			Remote: reply,
			Local:  p.excPort,
			ID:     mach.ExceptionRaiseID,
		},
		Thread:    th,
		Task:      p.Task,
		Exception: exc,
		Codes:     codes,
	}
	msg, err := req.Encode()
	if err != nil {
		return err
	}
	k.enqueue(p.excPort, msg)
	return nil
}

// RaiseSignal delivers a signal converted to EXC_SOFTWARE.
func (k *Kernel) RaiseSignal(th mach.ThreadHandle, sig unix.Signal) error {
	return k.Raise(th, mach.ExcSoftware, mach.ExcSoftSignal, int32(sig))
}

// RaiseTrap delivers a SIGTRAP, what a thread hitting a breakpoint under
// PT_ATTACHEXC produces.
func (k *Kernel) RaiseTrap(th mach.ThreadHandle) error {
	return k.RaiseSignal(th, unix.SIGTRAP)
}

// Inject queues a raw message on port.
func (k *Kernel) Inject(p mach.Port, msg []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enqueue(p, msg)
}

// enqueue must be called with k.mu held.
func (k *Kernel) enqueue(name mach.Port, msg []byte) bool {
	p, ok := k.ports[name]
	if !ok || p.isSet {
		return false
	}
	k.seq++
	p.queue = append(p.queue, queued{seq: k.seq, msg: append([]byte(nil), msg...)})
	k.wake()
	return true
}

// Replies returns the return codes of the exception replies received so
// far, including replies to exceptions raised with RaiseException.
func (k *Kernel) Replies() []mach.KernReturn {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]mach.KernReturn(nil), k.replies...)
}

// SuspendCount returns the suspend count of th.
func (k *Kernel) SuspendCount(th mach.ThreadHandle) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.threads[th]; ok {
		return t.suspend
	}
	return 0
}

// ExceptionPort returns the exception port registered for task.
func (k *Kernel) ExceptionPort(task mach.TaskHandle) mach.Port {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[task].excPort
}

// DeadNameRequests returns the port a dead-name notification is armed on
// for task and how many requests are outstanding (at most one).
func (k *Kernel) DeadNameRequests(task mach.TaskHandle) (mach.Port, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.tasks[task]
	return p.deadName, p.deadNames
}

// PortCount returns the number of live ports and port sets.
func (k *Kernel) PortCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.ports)
}

// Released returns how many user references of name were deallocated.
func (k *Kernel) Released(name mach.Port) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.released[name]
}

// mach.Kernel implementation

func (k *Kernel) ProcessExists(pid int) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.pids[pid]
	return ok, nil
}

func (k *Kernel) TaskForPid(pid int) (mach.TaskHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("task_for_pid"); err != nil {
		return 0, err
	}
	p, ok := k.pids[pid]
	if !ok || p.denied {
		return 0, mach.KernFailure
	}
	return p.Task, nil
}

func (k *Kernel) TaskValid(task mach.TaskHandle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.tasks[task]
	return ok && p.alive
}

func (k *Kernel) AllocatePort() (mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_port_allocate"); err != nil {
		return mach.PortNull, err
	}
	name := k.newName()
	k.ports[name] = &port{name: name}
	return name, nil
}

func (k *Kernel) InsertSendRight(name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_port_insert_right"); err != nil {
		return err
	}
	p, ok := k.ports[name]
	if !ok || p.isSet {
		return mach.KernInvalidName
	}
	p.sendOK = true
	return nil
}

func (k *Kernel) AllocatePortSet() (mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_port_allocate_set"); err != nil {
		return mach.PortNull, err
	}
	name := k.newName()
	k.ports[name] = &port{name: name, isSet: true, members: make(map[mach.Port]bool)}
	return name, nil
}

func (k *Kernel) MoveMember(member, set mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_port_move_member"); err != nil {
		return err
	}
	m, ok := k.ports[member]
	s, sok := k.ports[set]
	if !ok || m.isSet || !sok || !s.isSet {
		return mach.KernInvalidName
	}
	if old, ok := k.ports[m.set]; ok {
		delete(old.members, member)
	}
	m.set = set
	s.members[member] = true
	k.wake()
	return nil
}

func (k *Kernel) PortSetMembers(set mach.Port) ([]mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.ports[set]
	if !ok || !s.isSet {
		return nil, mach.KernInvalidName
	}
	members := make([]mach.Port, 0, len(s.members))
	for m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (k *Kernel) DestroyPort(name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.ports[name]
	if !ok {
		return mach.KernInvalidName
	}
	if p.isSet {
		for m := range p.members {
			if mp, ok := k.ports[m]; ok {
				mp.set = mach.PortNull
			}
		}
	} else if s, ok := k.ports[p.set]; ok {
		delete(s.members, name)
	}
	for _, proc := range k.tasks {
		if proc.excPort == name {
			proc.excPort = mach.PortNull
		}
		if proc.deadName == name {
			proc.deadName = mach.PortNull
			proc.deadNames = 0
		}
	}
	delete(k.ports, name)
	k.wake()
	return nil
}

func (k *Kernel) Deallocate(name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_port_deallocate"); err != nil {
		return err
	}
	_, isPort := k.ports[name]
	_, isOnce := k.onceRight[name]
	_, isTask := k.tasks[mach.TaskHandle(name)]
	_, isThread := k.threads[mach.ThreadHandle(name)]
	if !isPort && !isOnce && !isTask && !isThread {
		return mach.KernInvalidName
	}
	delete(k.onceRight, name)
	k.released[name]++
	return nil
}

func (k *Kernel) SetExceptionPorts(task mach.TaskHandle, mask mach.ExceptionMask, name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("task_set_exception_ports"); err != nil {
		return err
	}
	p, ok := k.tasks[task]
	if !ok || !p.alive {
		return mach.KernInvalidArgument
	}
	if name != mach.PortNull {
		if port, ok := k.ports[name]; !ok || !port.sendOK {
			return mach.KernInvalidRight
		}
	}
	p.excPort = name
	p.excMask = mask
	if name == mach.PortNull {
		p.excMask = 0
	}
	return nil
}

func (k *Kernel) RequestDeadName(task mach.TaskHandle, notify mach.Port) (mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_port_request_notification"); err != nil {
		return mach.PortNull, err
	}
	p, ok := k.tasks[task]
	if !ok || !p.alive {
		return mach.PortNull, mach.KernInvalidArgument
	}
	if _, ok := k.ports[notify]; !ok {
		return mach.PortNull, mach.KernInvalidRight
	}
	prev := mach.PortNull
	if p.deadName != mach.PortNull {
		// the previous request's send-once right, named in our space
		prev = k.newName()
		k.onceRight[prev] = &onceRight{}
	}
	p.deadName = notify
	p.deadNames = 1
	return prev, nil
}

func (k *Kernel) Receive(name mach.Port, buf []byte, options uint32, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if options&mach.RcvTimeout != 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		k.mu.Lock()
		if err := k.fail("mach_msg_receive"); err != nil {
			k.mu.Unlock()
			return 0, err
		}
		if options&mach.RcvInterrupt != 0 && k.interrupts > 0 {
			k.interrupts--
			k.mu.Unlock()
			return 0, mach.RcvInterrupted
		}
		p, ok := k.ports[name]
		if !ok {
			k.mu.Unlock()
			return 0, mach.RcvInvalidName
		}
		if src := k.oldest(p); src != nil {
			msg := mach.AppendTrailer(src.queue[0].msg)
			if len(msg) > len(buf) {
				k.mu.Unlock()
				return 0, mach.RcvTooLarge
			}
			src.queue = src.queue[1:]
			n := copy(buf, msg)
			k.mu.Unlock()
			return n, nil
		}
		changed := k.changed
		k.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return 0, mach.RcvTimedOut
		}
	}
}

// oldest returns the port holding the oldest message receivable through p.
func (k *Kernel) oldest(p *port) *port {
	if !p.isSet {
		if len(p.queue) > 0 {
			return p
		}
		return nil
	}
	var best *port
	for m := range p.members {
		mp := k.ports[m]
		if mp == nil || len(mp.queue) == 0 {
			continue
		}
		if best == nil || mp.queue[0].seq < best.queue[0].seq {
			best = mp
		}
	}
	return best
}

func (k *Kernel) Send(msg []byte, options uint32, timeout time.Duration) error {
	h, err := mach.DecodeHeader(msg)
	if err != nil {
		return mach.SendMsgTooSmall
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("mach_msg_send"); err != nil {
		return err
	}
	if h.ID == mach.ExceptionRaiseID+mach.ReplyIDOffset {
		if _, ret, err := mach.DecodeReply(msg); err == nil {
			k.replies = append(k.replies, ret)
		}
	}
	if _, ok := k.onceRight[h.Remote]; ok {
		delete(k.onceRight, h.Remote)
		return nil
	}
	if _, ok := k.ports[h.Remote]; !ok {
		return mach.SendInvalidDest
	}
	// Deliver as the kernel does: the destination becomes the local port
	// and the reply port the remote one.
	out := append([]byte(nil), msg...)
	bits := receivedDisposition(h.Bits>>8&0x1f) | h.Bits&mach.MsgBitsComplex
	bits |= receivedDisposition(h.Bits&0x1f) << 8
	binary.LittleEndian.PutUint32(out[0:], bits)
	binary.LittleEndian.PutUint32(out[8:], uint32(h.Local))
	binary.LittleEndian.PutUint32(out[12:], uint32(h.Remote))
	k.enqueue(h.Remote, out)
	return nil
}

func receivedDisposition(d uint32) uint32 {
	switch d {
	case mach.MsgTypeMakeSendOnce, mach.MsgTypeMoveSendOnce:
		return mach.MsgTypeMoveSendOnce
	case 0:
		return 0
	}
	return mach.MsgTypeMoveSend
}

func (k *Kernel) SuspendThread(th mach.ThreadHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("thread_suspend"); err != nil {
		return err
	}
	t, ok := k.threads[th]
	if !ok {
		return mach.KernInvalidArgument
	}
	t.suspend++
	return nil
}

func (k *Kernel) ResumeThread(th mach.ThreadHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("thread_resume"); err != nil {
		return err
	}
	t, ok := k.threads[th]
	if !ok {
		return mach.KernInvalidArgument
	}
	if t.suspend == 0 {
		return mach.KernFailure
	}
	t.suspend--
	return nil
}

func (k *Kernel) TaskThreads(task mach.TaskHandle) ([]mach.ThreadHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("task_threads"); err != nil {
		return nil, err
	}
	p, ok := k.tasks[task]
	if !ok || !p.alive {
		return nil, mach.KernInvalidArgument
	}
	return append([]mach.ThreadHandle(nil), p.Threads...), nil
}

func (k *Kernel) ProcPidPath(pid int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.pids[pid]
	if !ok {
		return nil, unix.ESRCH
	}
	path := []byte(p.Path)
	if len(path) > mach.MaxPathSize-1 {
		path = path[:mach.MaxPathSize-1]
	}
	return path, nil
}
