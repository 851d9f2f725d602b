package mach

import (
	"context"
	"errors"
	"fmt"
)

// Wait blocks on the port set of ports until a stop, a death or an interruption.
//
// Every exception message is answered before it is looked at: the faulting
// thread is suspended, the reply is sent, and only then the exception is
// classified. Signal exceptions the stop filter does not select are resumed
// and the wait goes on; anything else is returned as EventStopped with the
// thread still suspended. A dead-name notification is returned as
// EventDied and is not replied to; if it names the task ports were
// registered for, the death notification of ports is spent.
//
// With nonblocking set the wait gives up after the non-blocking timeout and
// returns EventTimeout. Cancelling ctx, or the kernel interrupting the
// receive, returns EventInterrupted.
func (c *Controller) Wait(ctx context.Context, ports *Ports, nonblocking bool) (Event, error) {
	buf := make([]byte, receiveBufSize)
	for {
		if ctx.Err() != nil {
			return Event{Kind: EventInterrupted}, nil
		}
		timeout := c.opts.PollInterval
		if nonblocking {
			timeout = c.opts.NonblockingTimeout
		}
		n, err := c.k.Receive(ports.Set, buf, RcvMsg|RcvInterrupt|RcvTimeout, timeout)
		if err != nil {
			var kr KernReturn
			if !errors.As(err, &kr) {
				return Event{}, wrapKern(ErrKernelFailure, "mach_msg receive", err)
			}
			switch kr {
			case RcvInterrupted:
				return Event{Kind: EventInterrupted}, nil
			case RcvTimedOut:
				if nonblocking {
					return Event{Kind: EventTimeout}, nil
				}
				continue
			default:
				return Event{}, wrapKern(ErrKernelFailure, "mach_msg receive", err)
			}
		}

		h, msg, err := received(buf[:n])
		if err != nil {
			return Event{}, err
		}
		c.msgLog.Debugf("received %v", h)

		switch h.ID {
		case ExceptionRaiseID:
			ev, stop, err := c.handleException(h, msg)
			if err != nil {
				return Event{}, err
			}
			if !stop {
				continue
			}
			return ev, nil

		case DeadNameID:
			dn, err := DecodeDeadNameNotification(msg)
			if err != nil {
				return Event{}, err
			}
			c.log.Debugf("task %#x died", dn.Name)
			if TaskHandle(dn.Name) == ports.task {
				ports.deathArmed = false
			}
			return Event{Kind: EventDied, Task: TaskHandle(dn.Name)}, nil

		default:
			c.log.Warnf("ignoring unexpected message %v", h)
			return Event{Kind: EventNone}, nil
		}
	}
}

// handleException suspends the faulting thread, replies and classifies the
// exception. stop is false when the thread was resumed.
func (c *Controller) handleException(h Header, msg []byte) (ev Event, stop bool, err error) {
	req, err := DecodeExceptionRequest(msg)
	if err != nil {
		if h.Remote != PortNull {
			if rerr := c.Reply(h); rerr != nil {
				c.log.Warnf("could not reply to malformed exception: %v", rerr)
			}
		}
		return Event{}, false, err
	}

	serr := c.k.SuspendThread(req.Thread)
	rerr := c.Reply(req.Header)
	if serr != nil {
		if rerr != nil {
			c.log.Warnf("could not reply to exception on thread %#x: %v", req.Thread, rerr)
		}
		return Event{}, false, wrapKern(ErrKernelFailure, fmt.Sprintf("thread_suspend(%#x)", req.Thread), serr)
	}
	if rerr != nil {
		// The thread is not handed back, so it is still ours to resume.
		if err := c.k.ResumeThread(req.Thread); err != nil {
			c.log.Warnf("could not resume thread %#x: %v", req.Thread, err)
		}
		return Event{}, false, rerr
	}

	info := req.Info()
	if !c.opts.Stops.Stops(info) {
		c.log.Debugf("passing %v through on thread %#x", info, req.Thread)
		if err := c.k.ResumeThread(req.Thread); err != nil {
			return Event{}, false, wrapKern(ErrKernelFailure, fmt.Sprintf("thread_resume(%#x)", req.Thread), err)
		}
		// The thread is not handed out, drop the references the message carried.
		c.deallocateRights(req.Thread, req.Task)
		return Event{}, false, nil
	}

	c.log.Debugf("thread %#x stopped: %v", req.Thread, info)
	return Event{Kind: EventStopped, Thread: req.Thread, Task: req.Task, Exception: info}, true, nil
}

func (c *Controller) deallocateRights(thread ThreadHandle, task TaskHandle) {
	for _, name := range []Port{Port(thread), Port(task)} {
		if err := c.k.Deallocate(name); err != nil {
			c.msgLog.Debugf("could not deallocate %#x: %v", name, err)
		}
	}
}

// Reply acknowledges the exception request whose header is req. The kernel
// holds the faulting thread until this reply arrives.
func (c *Controller) Reply(req Header) error {
	msg := EncodeReply(req, KernSuccess)
	err := c.k.Send(msg, SendMsg|SendInterrupt|SendTimeout, c.opts.ReplyTimeout)
	if err == nil {
		c.msgLog.Debugf("replied to %v", req)
		return nil
	}
	var kr KernReturn
	if errors.As(err, &kr) && kr == SendInterrupted {
		return wrapKern(ErrSendInterrupted, "mach_msg send", err)
	}
	return wrapKern(ErrSendFailed, "mach_msg send", err)
}
