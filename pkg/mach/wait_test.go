package mach_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-delve/machtask/pkg/mach"
)

func waitFor(t *testing.T, f *fixture, ports *mach.Ports, nonblocking bool) mach.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := f.ctl.Wait(ctx, ports, nonblocking)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return ev
}

func TestWaitStop(t *testing.T) {
	f := newFixture(t, 2, mach.Options{})
	task, ports := f.register(t)
	defer ports.Close()
	th := f.proc.Threads[1]

	if err := f.k.RaiseTrap(th); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, f, ports, false)
	if ev.Kind != mach.EventStopped || ev.Thread != th || ev.Task != task.Handle {
		t.Fatalf("unexpected event %v", ev)
	}
	if sig, ok := ev.Exception.Signal(); !ok || sig != unix.SIGTRAP {
		t.Fatalf("expected SIGTRAP, got %v", ev.Exception)
	}
	if replies := f.k.Replies(); len(replies) != 1 || replies[0] != mach.KernSuccess {
		t.Fatalf("replies %v", replies)
	}
	if n := f.k.SuspendCount(th); n != 1 {
		t.Fatalf("stopped thread has suspend count %d", n)
	}
	if n := f.k.SuspendCount(f.proc.Threads[0]); n != 0 {
		t.Fatalf("other thread has suspend count %d", n)
	}
}

func TestWaitBreakpoint(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	_, ports := f.register(t)
	defer ports.Close()

	if err := f.k.Raise(f.proc.Threads[0], mach.ExcBreakpoint, 1, 0x1000); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, f, ports, false)
	if ev.Kind != mach.EventStopped || ev.Exception.Type != mach.ExcBreakpoint {
		t.Fatalf("unexpected event %v", ev)
	}
	if len(ev.Exception.Codes) != 2 || ev.Exception.Codes[1] != 0x1000 {
		t.Fatalf("unexpected codes %#x", ev.Exception.Codes)
	}
}

func TestWaitPassesSignalsThrough(t *testing.T) {
	f := newFixture(t, 2, mach.Options{})
	_, ports := f.register(t)
	defer ports.Close()
	first, second := f.proc.Threads[0], f.proc.Threads[1]

	if err := f.k.RaiseSignal(first, unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	if err := f.k.RaiseTrap(second); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, f, ports, false)
	if ev.Kind != mach.EventStopped || ev.Thread != second {
		t.Fatalf("expected a stop of %#x, got %v", second, ev)
	}
	if n := f.k.SuspendCount(first); n != 0 {
		t.Fatalf("signalled thread left suspended (%d)", n)
	}
	if n := f.k.SuspendCount(second); n != 1 {
		t.Fatalf("trapped thread suspend count %d", n)
	}
	if replies := f.k.Replies(); len(replies) != 2 {
		t.Fatalf("expected both exceptions replied to, got %v", replies)
	}
	if n := f.k.Released(mach.Port(first)); n != 1 {
		t.Fatalf("passed through thread right released %d times", n)
	}
	if n := f.k.Released(mach.Port(f.proc.Task)); n != 1 {
		t.Fatalf("task right of the passed through exception released %d times", n)
	}
	if n := f.k.Released(mach.Port(second)); n != 0 {
		t.Fatalf("stopped thread right released %d times", n)
	}
}

func TestWaitStopSignals(t *testing.T) {
	f := newFixture(t, 1, mach.Options{Stops: mach.NewStopFilter(unix.SIGTRAP, unix.SIGUSR1)})
	_, ports := f.register(t)
	defer ports.Close()

	if err := f.k.RaiseSignal(f.proc.Threads[0], unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, f, ports, false)
	if sig, ok := ev.Exception.Signal(); ev.Kind != mach.EventStopped || !ok || sig != unix.SIGUSR1 {
		t.Fatalf("expected a SIGUSR1 stop, got %v", ev)
	}
}

func TestWaitDeath(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	task, ports := f.register(t)
	defer ports.Close()

	f.k.Exit(targetPid)
	ev := waitFor(t, f, ports, false)
	if ev.Kind != mach.EventDied || ev.Task != task.Handle {
		t.Fatalf("unexpected event %v", ev)
	}
	if replies := f.k.Replies(); len(replies) != 0 {
		t.Fatalf("death notification must not be replied to, got %v", replies)
	}
	if f.ctl.IsAlive(task.Handle) {
		t.Fatal("task still alive")
	}
	if ports.DeathArmed() {
		t.Fatal("death notification still armed after it was delivered")
	}
}

func TestWaitDeathOfOtherTask(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	_, ports := f.register(t)
	defer ports.Close()

	f.k.Inject(ports.Notification, (&mach.DeadNameNotification{Name: 0x7703}).Encode())
	ev := waitFor(t, f, ports, false)
	if ev.Kind != mach.EventDied || ev.Task != mach.TaskHandle(0x7703) {
		t.Fatalf("unexpected event %v", ev)
	}
	if !ports.DeathArmed() {
		t.Fatal("death of another task spent the notification")
	}
}

func TestWaitBlocksUntilCancelled(t *testing.T) {
	f := newFixture(t, 1, mach.Options{PollInterval: 2 * time.Millisecond})
	_, ports := f.register(t)
	defer ports.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan mach.Event, 1)
	go func() {
		ev, err := f.ctl.Wait(ctx, ports, false)
		if err != nil {
			t.Error(err)
		}
		done <- ev
	}()

	select {
	case ev := <-done:
		t.Fatalf("Wait returned %v with nothing pending", ev)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case ev := <-done:
		if ev.Kind != mach.EventInterrupted {
			t.Fatalf("expected an interruption, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait not released by cancellation")
	}
}

func TestWaitInterrupted(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	_, ports := f.register(t)
	defer ports.Close()

	f.k.Interrupt()
	if ev := waitFor(t, f, ports, false); ev.Kind != mach.EventInterrupted {
		t.Fatalf("expected an interruption, got %v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, err := f.ctl.Wait(ctx, ports, false)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != mach.EventInterrupted {
		t.Fatalf("expected cancellation to interrupt the wait, got %v", ev)
	}
	if replies := f.k.Replies(); len(replies) != 0 {
		t.Fatalf("nothing should have been replied to, got %v", replies)
	}
}

func TestWaitNonblocking(t *testing.T) {
	f := newFixture(t, 1, mach.Options{NonblockingTimeout: 5 * time.Millisecond})
	_, ports := f.register(t)
	defer ports.Close()

	if ev := waitFor(t, f, ports, true); ev.Kind != mach.EventTimeout {
		t.Fatalf("expected a timeout, got %v", ev)
	}

	if err := f.k.RaiseTrap(f.proc.Threads[0]); err != nil {
		t.Fatal(err)
	}
	if ev := waitFor(t, f, ports, true); ev.Kind != mach.EventStopped {
		t.Fatalf("expected a stop, got %v", ev)
	}
}

func TestWaitUnexpectedMessage(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	_, ports := f.register(t)
	defer ports.Close()

	f.k.Inject(ports.Exception, mach.EncodeReply(mach.Header{ID: 3000}, mach.KernSuccess))
	if ev := waitFor(t, f, ports, false); ev.Kind != mach.EventNone {
		t.Fatalf("expected EventNone, got %v", ev)
	}
}

func TestWaitMalformedException(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	task, ports := f.register(t)
	defer ports.Close()

	replyPort, err := f.k.AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	req := &mach.ExceptionRequest{
		Header:    mach.Header{Bits: mach.MsgBits(mach.MsgTypeMoveSendOnce, 0), Remote: replyPort, Local: ports.Exception, ID: mach.ExceptionRaiseID},
		Thread:    f.proc.Threads[0],
		Task:      task.Handle,
		Exception: mach.ExcSoftware,
		Codes:     []int32{mach.ExcSoftSignal, int32(unix.SIGTRAP)},
	}
	msg, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(msg[24:], 1)
	f.k.Inject(ports.Exception, msg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.ctl.Wait(ctx, ports, false); !errors.Is(err, mach.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if replies := f.k.Replies(); len(replies) != 1 {
		t.Fatalf("the malformed request should still be replied to, got %v", replies)
	}
	if n := f.k.SuspendCount(f.proc.Threads[0]); n != 0 {
		t.Fatalf("thread suspended by a malformed request (%d)", n)
	}
}

func TestWaitReplyFailure(t *testing.T) {
	for _, tc := range []struct {
		code mach.KernReturn
		want error
	}{
		{mach.SendInvalidDest, mach.ErrSendFailed},
		{mach.SendInterrupted, mach.ErrSendInterrupted},
	} {
		f := newFixture(t, 1, mach.Options{})
		_, ports := f.register(t)
		th := f.proc.Threads[0]

		f.k.Fail("mach_msg_send", tc.code)
		if err := f.k.RaiseTrap(th); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := f.ctl.Wait(ctx, ports, false)
		cancel()
		if !errors.Is(err, tc.want) {
			t.Fatalf("%v: expected %v, got %v", tc.code, tc.want, err)
		}
		var kr mach.KernReturn
		if !errors.As(err, &kr) || kr != tc.code {
			t.Fatalf("expected code %v, got %v", tc.code, kr)
		}
		if n := f.k.SuspendCount(th); n != 0 {
			t.Fatalf("thread left suspended after a failed reply (%d)", n)
		}

		// The next exception is handled normally.
		if err := f.k.RaiseTrap(th); err != nil {
			t.Fatal(err)
		}
		if ev := waitFor(t, f, ports, false); ev.Kind != mach.EventStopped {
			t.Fatalf("expected a stop after the failed reply, got %v", ev)
		}
		ports.Close()
	}
}

func TestWaitSuspendFailure(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	_, ports := f.register(t)
	defer ports.Close()

	f.k.Fail("thread_suspend", mach.KernInvalidArgument)
	if err := f.k.RaiseTrap(f.proc.Threads[0]); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.ctl.Wait(ctx, ports, false); !errors.Is(err, mach.ErrKernelFailure) {
		t.Fatalf("expected ErrKernelFailure, got %v", err)
	}
	if replies := f.k.Replies(); len(replies) != 1 {
		t.Fatalf("exception must be replied to even if the thread could not be suspended, got %v", replies)
	}
}

func TestRaiseException(t *testing.T) {
	f := newFixture(t, 2, mach.Options{})
	task, ports := f.register(t)
	defer ports.Close()
	th := f.proc.Threads[1]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		ev  mach.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := f.ctl.Wait(ctx, ports, false)
		done <- result{ev, err}
	}()

	if err := f.ctl.RaiseException(ctx, task.Handle, th, ports.Exception, mach.ExcBreakpoint); err != nil {
		t.Fatal(err)
	}
	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.ev.Kind != mach.EventStopped || r.ev.Thread != th || r.ev.Exception.Type != mach.ExcBreakpoint {
		t.Fatalf("unexpected event %v", r.ev)
	}
	if n := f.k.SuspendCount(th); n != 1 {
		t.Fatalf("suspend count %d", n)
	}
}

func TestRaiseExceptionCancelled(t *testing.T) {
	f := newFixture(t, 1, mach.Options{})
	task, ports := f.register(t)
	defer ports.Close()

	// Nobody services the exception port, so no reply ever arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	before := f.k.PortCount()
	err := f.ctl.RaiseException(ctx, task.Handle, f.proc.Threads[0], ports.Exception, mach.ExcBreakpoint)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the deadline to expire, got %v", err)
	}
	if n := f.k.PortCount(); n != before {
		t.Fatalf("reply port leaked: %d ports, expected %d", n, before)
	}
}
