package mach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/go-delve/machtask/pkg/logflags"
)

// Session is one attached target: its task handle and the control ports
// registered for it. A Session is not safe for concurrent use, with the
// exception of Halt which is meant to run while another goroutine is
// blocked in Wait.
type Session struct {
	ID    uuid.UUID
	Task  Task
	Ports *Ports

	// Nonblocking makes Wait return EventTimeout instead of blocking.
	Nonblocking bool

	ctl      *Controller
	log      logflags.Logger
	exited   bool
	detached bool
}

// Attach acquires the task of pid and registers control ports for it.
func Attach(ctl *Controller, pid int) (*Session, error) {
	task, err := ctl.Acquire(pid)
	if err != nil {
		return nil, err
	}
	ports, err := ctl.RegisterControl(task.Handle)
	if err != nil {
		if rerr := ctl.Release(task); rerr != nil {
			ctl.log.Warnf("could not release task of pid %d: %v", pid, rerr)
		}
		return nil, err
	}
	s := &Session{
		ID:    uuid.New(),
		Task:  task,
		Ports: ports,
		ctl:   ctl,
	}
	s.log = logflags.SessionLogger().WithFields(logflags.Fields{"session": s.ID.String(), "pid": pid})
	s.log.Debugf("attached to task %#x", task.Handle)
	return s, nil
}

// Controller returns the controller the session was attached with.
func (s *Session) Controller() *Controller {
	return s.ctl
}

// Exited reports whether the death of the target has been observed.
func (s *Session) Exited() bool {
	return s.exited
}

// Wait waits for the next event of the target. Death notifications for a
// task other than the session's, which happen when the target replaced its
// image and its old task port died, are skipped as long as the session task
// is still valid.
func (s *Session) Wait(ctx context.Context) (Event, error) {
	if s.detached {
		return Event{}, errors.New("session is detached")
	}
	for {
		ev, err := s.ctl.Wait(ctx, s.Ports, s.Nonblocking)
		if err != nil {
			return ev, err
		}
		if ev.Kind != EventDied {
			return ev, nil
		}
		if ev.Task != s.Task.Handle && s.ctl.IsAlive(s.Task.Handle) {
			s.log.Debugf("ignoring death of stale task %#x", ev.Task)
			continue
		}
		s.exited = true
		s.ctl.ForgetPath(s.Task.Pid)
		s.log.Debug("target exited")
		return ev, nil
	}
}

// Threads lists the threads of the target, growing the list capacity when
// the target has more threads than expected. Release the result with
// Controller.ReleaseThreads.
func (s *Session) Threads() ([]ThreadHandle, error) {
	capacity := s.ctl.opts.ThreadListCapacity
	var err error
	for i := 0; i <= s.ctl.opts.ThreadListRetries; i++ {
		var threads []ThreadHandle
		threads, err = s.ctl.ListThreads(s.Task.Handle, capacity)
		if err == nil {
			return threads, nil
		}
		if !errors.Is(err, ErrBufferTooSmall) {
			return nil, err
		}
		capacity *= 2
	}
	return nil, err
}

// Resume resumes a thread returned in a stop event.
func (s *Session) Resume(thread ThreadHandle) error {
	return s.ctl.ResumeThread(thread)
}

// Halt manufactures a stop by raising EXC_BREAKPOINT on the first thread of
// the target. It returns once the wait loop has acknowledged the exception,
// so Wait must be running on another goroutine.
func (s *Session) Halt(ctx context.Context) error {
	threads, err := s.Threads()
	if err != nil {
		return err
	}
	defer s.ctl.ReleaseThreads(threads)
	if len(threads) == 0 {
		return fmt.Errorf("could not halt pid %d: no threads", s.Task.Pid)
	}
	s.log.Debugf("halting on thread %#x", threads[0])
	return s.ctl.RaiseException(ctx, s.Task.Handle, threads[0], s.Ports.Exception, ExcBreakpoint)
}

// ExecutablePath returns the path of the target executable.
func (s *Session) ExecutablePath() (string, error) {
	return s.ctl.ExecutablePath(s.Task.Pid)
}

// Detach hands exception handling back to the kernel, destroys the control
// ports and releases the task handle. Detaching twice is a no-op.
func (s *Session) Detach() error {
	if s.detached {
		return nil
	}
	s.detached = true
	var first error
	if !s.exited && s.ctl.IsAlive(s.Task.Handle) {
		first = s.ctl.DeregisterControl(s.Task.Handle, s.Ports)
	}
	if err := s.Ports.Close(); err != nil && first == nil {
		first = err
	}
	if err := s.ctl.Release(s.Task); err != nil && first == nil {
		first = err
	}
	s.log.Debug("detached")
	return first
}
