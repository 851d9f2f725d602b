package mach_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-delve/machtask/pkg/mach"
	"github.com/go-delve/machtask/pkg/mach/machtest"
)

const targetPid = 4100

type fixture struct {
	k    *machtest.Kernel
	ctl  *mach.Controller
	proc *machtest.Process
}

func newFixture(t *testing.T, nthreads int, opts mach.Options) *fixture {
	t.Helper()
	k := machtest.NewKernel()
	proc := k.AddProcess(targetPid, "/usr/local/bin/target", nthreads)
	ctl, err := mach.NewController(k, opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return &fixture{k: k, ctl: ctl, proc: proc}
}

// register acquires the fixture process and registers control ports for it.
func (f *fixture) register(t *testing.T) (mach.Task, *mach.Ports) {
	t.Helper()
	task, err := f.ctl.Acquire(f.proc.Pid)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ports, err := f.ctl.RegisterControl(task.Handle)
	if err != nil {
		t.Fatalf("RegisterControl: %v", err)
	}
	return task, ports
}

func TestAcquire(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})

	task, err := f.ctl.Acquire(targetPid)
	if err != nil {
		t.Fatal(err)
	}
	if task.Pid != targetPid || task.Handle != f.proc.Task {
		t.Fatalf("unexpected task %+v", task)
	}
	if err := f.ctl.Release(task); err != nil {
		t.Fatal(err)
	}
	if n := f.k.Released(mach.Port(task.Handle)); n != 1 {
		t.Fatalf("task right released %d times", n)
	}

	for _, pid := range []int{0, -1, 9999} {
		if _, err := f.ctl.Acquire(pid); !errors.Is(err, mach.ErrNoSuchProcess) {
			t.Errorf("Acquire(%d): expected ErrNoSuchProcess, got %v", pid, err)
		}
	}
}

func TestAcquireRejectsPidOutOfRange(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	// The failure stays queued as long as task_for_pid is not called.
	f.k.Fail("task_for_pid", mach.KernNoAccess)

	// Truncated to a pid_t this would be the fixture process.
	if _, err := f.ctl.Acquire(1<<32 + targetPid); !errors.Is(err, mach.ErrNoSuchProcess) {
		t.Fatalf("expected ErrNoSuchProcess, got %v", err)
	}
	if _, err := f.ctl.ExecutablePath(1<<32 + targetPid); !errors.Is(err, mach.ErrPathNotFound) {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}
	if _, err := f.ctl.Acquire(targetPid); !errors.Is(err, mach.ErrPermissionDenied) {
		t.Fatalf("task_for_pid was called for an out of range pid: %v", err)
	}
}

func TestAcquirePermissionDenied(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	f.k.Deny(targetPid)

	_, err := f.ctl.Acquire(targetPid)
	if !errors.Is(err, mach.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	var kr mach.KernReturn
	if !errors.As(err, &kr) || kr != mach.KernFailure {
		t.Fatalf("expected KERN_FAILURE, got %v", kr)
	}
}

func TestAcquireKernelFailure(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	f.k.Fail("task_for_pid", mach.KernInvalidArgument)

	_, err := f.ctl.Acquire(targetPid)
	if !errors.Is(err, mach.ErrKernelFailure) {
		t.Fatalf("expected ErrKernelFailure, got %v", err)
	}
}

func TestRegisterControl(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	task, ports := f.register(t)
	defer ports.Close()

	members, err := f.ctl.PortSetMembers(ports.Set)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != ports.Exception || members[1] != ports.Notification {
		t.Fatalf("port set members %#x, expected [%#x %#x]", members, ports.Exception, ports.Notification)
	}
	if got := f.k.ExceptionPort(task.Handle); got != ports.Exception {
		t.Fatalf("exception port %#x, expected %#x", got, ports.Exception)
	}
	if port, n := f.k.DeadNameRequests(task.Handle); port != ports.Notification || n != 1 {
		t.Fatalf("dead name request on %#x (%d), expected one on %#x", port, n, ports.Notification)
	}
	if !ports.DeathArmed() {
		t.Fatal("death notification should be armed")
	}
}

func TestRegisterControlRollback(t *testing.T) {
	tests := []struct {
		op       string
		step     string
		category error
	}{
		{"mach_port_allocate", "mach_port_allocate(exception)", mach.ErrAllocationFailed},
		{"mach_port_insert_right", "mach_port_insert_right(exception)", mach.ErrAllocationFailed},
		{"task_set_exception_ports", "task_set_exception_ports", mach.ErrRegistrationFailed},
		{"mach_port_request_notification", "mach_port_request_notification", mach.ErrRegistrationFailed},
		{"mach_port_allocate_set", "mach_port_allocate(port set)", mach.ErrAllocationFailed},
		{"mach_port_move_member", "mach_port_move_member(exception)", mach.ErrRegistrationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.op, func(t *testing.T) {
			f := newFixture(t, 1, mach.Options{})
			task, err := f.ctl.Acquire(targetPid)
			if err != nil {
				t.Fatal(err)
			}
			f.k.Fail(tc.op, mach.KernInvalidArgument)

			ports, err := f.ctl.RegisterControl(task.Handle)
			if ports != nil {
				t.Fatalf("ports returned on failure: %+v", ports)
			}
			var serr *mach.SetupError
			if !errors.As(err, &serr) {
				t.Fatalf("expected *SetupError, got %T %v", err, err)
			}
			if serr.Step != tc.step {
				t.Errorf("failing step %q, expected %q", serr.Step, tc.step)
			}
			if serr.Code() != mach.KernInvalidArgument {
				t.Errorf("code %v, expected KERN_INVALID_ARGUMENT", serr.Code())
			}
			if !errors.Is(err, tc.category) {
				t.Errorf("expected %v, got %v", tc.category, err)
			}
			if port := f.k.ExceptionPort(task.Handle); port != mach.PortNull {
				t.Errorf("exception port %#x left registered", port)
			}
			if port, n := f.k.DeadNameRequests(task.Handle); n != 0 {
				t.Errorf("dead name request on %#x left armed", port)
			}
			if n := f.k.PortCount(); n != 0 {
				t.Errorf("%d ports leaked", n)
			}
		})
	}
}

func TestDeregisterControl(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	task, ports := f.register(t)

	if err := f.ctl.DeregisterControl(task.Handle, ports); err != nil {
		t.Fatal(err)
	}
	if port := f.k.ExceptionPort(task.Handle); port != mach.PortNull {
		t.Fatalf("exception port %#x still registered", port)
	}
	if port, n := f.k.DeadNameRequests(task.Handle); port != ports.Notification || n != 1 {
		t.Fatalf("dead name request on %#x (%d) after deregistration", port, n)
	}

	// Deregistering again changes nothing.
	if err := f.ctl.DeregisterControl(task.Handle, ports); err != nil {
		t.Fatal(err)
	}
	if _, n := f.k.DeadNameRequests(task.Handle); n != 1 {
		t.Fatalf("%d dead name requests outstanding", n)
	}
	if err := ports.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ports.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := f.k.PortCount(); n != 0 {
		t.Fatalf("%d ports leaked", n)
	}

	// And the task can be registered again.
	again, err := f.ctl.RegisterControl(task.Handle)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if port, n := f.k.DeadNameRequests(task.Handle); port != again.Notification || n != 1 {
		t.Fatalf("dead name request on %#x (%d) after registering again", port, n)
	}
}

func TestIsAlive(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	task, err := f.ctl.Acquire(targetPid)
	if err != nil {
		t.Fatal(err)
	}
	if !f.ctl.IsAlive(task.Handle) {
		t.Fatal("live task reported dead")
	}
	f.k.Exit(targetPid)
	if f.ctl.IsAlive(task.Handle) {
		t.Fatal("dead task reported alive")
	}
	if f.ctl.IsAlive(mach.TaskHandle(0x7777)) {
		t.Fatal("unknown task reported alive")
	}
}

func TestThreadCountAndList(t *testing.T) {
	f := newFixture(t, 3, mach.Options{})
	task, err := f.ctl.Acquire(targetPid)
	if err != nil {
		t.Fatal(err)
	}

	n, err := f.ctl.ThreadCount(task.Handle)
	if err != nil || n != 3 {
		t.Fatalf("ThreadCount = %d, %v", n, err)
	}
	for _, th := range f.proc.Threads {
		if f.k.Released(mach.Port(th)) != 1 {
			t.Errorf("thread right %#x not released", th)
		}
	}

	for _, capacity := range []int{-1, 0, 2} {
		threads, err := f.ctl.ListThreads(task.Handle, capacity)
		if !errors.Is(err, mach.ErrBufferTooSmall) || threads != nil {
			t.Errorf("capacity %d: expected ErrBufferTooSmall, got %v %v", capacity, threads, err)
		}
	}

	threads, err := f.ctl.ListThreads(task.Handle, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(threads))
	}
	for i := range threads {
		if threads[i] != f.proc.Threads[i] {
			t.Errorf("thread %d: %#x, expected %#x", i, threads[i], f.proc.Threads[i])
		}
	}

	f.k.Exit(targetPid)
	n, err = f.ctl.ThreadCount(task.Handle)
	if n != -1 || !errors.Is(err, mach.ErrKernelFailure) {
		t.Fatalf("ThreadCount of a dead task = %d, %v", n, err)
	}
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	th := f.proc.Threads[0]

	if err := f.ctl.SuspendThread(th); err != nil {
		t.Fatal(err)
	}
	if n := f.k.SuspendCount(th); n != 1 {
		t.Fatalf("suspend count %d", n)
	}
	if err := f.ctl.ResumeThread(th); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.ResumeThread(th); !errors.Is(err, mach.ErrKernelFailure) {
		t.Fatalf("resuming a running thread: expected ErrKernelFailure, got %v", err)
	}
}

func TestExecutablePath(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})

	path, err := f.ctl.ExecutablePath(targetPid)
	if err != nil {
		t.Fatal(err)
	}
	if path != "/usr/local/bin/target" {
		t.Fatalf("unexpected path %q", path)
	}

	// Cached: still known after the process is gone.
	f.k.Exit(targetPid)
	if path, err := f.ctl.ExecutablePath(targetPid); err != nil || path != "/usr/local/bin/target" {
		t.Fatalf("cached path = %q, %v", path, err)
	}
	f.ctl.ForgetPath(targetPid)
	if _, err := f.ctl.ExecutablePath(targetPid); !errors.Is(err, mach.ErrPathNotFound) {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}

	f.k.AddProcess(4200, "", 1)
	if _, err := f.ctl.ExecutablePath(4200); !errors.Is(err, mach.ErrPathNotFound) {
		t.Fatalf("empty path: expected ErrPathNotFound, got %v", err)
	}

	f.k.AddProcess(4300, "/"+strings.Repeat("x", mach.MaxPathSize+16), 1)
	path, err = f.ctl.ExecutablePath(4300)
	if !errors.Is(err, mach.ErrPathTruncated) {
		t.Fatalf("expected ErrPathTruncated, got %v", err)
	}
	if len(path) != mach.MaxPathSize-1 {
		t.Fatalf("truncated path has length %d", len(path))
	}
}
