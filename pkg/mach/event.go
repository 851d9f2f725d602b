package mach

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ExceptionInfo is the class and codes of a delivered exception.
type ExceptionInfo struct {
	Type  ExceptionType
	Codes []int32
}

// Signal returns the unix signal carried by an EXC_SOFTWARE/EXC_SOFT_SIGNAL
// exception.
func (e ExceptionInfo) Signal() (unix.Signal, bool) {
	if e.Type != ExcSoftware || len(e.Codes) < 2 || e.Codes[0] != ExcSoftSignal {
		return 0, false
	}
	return unix.Signal(e.Codes[1]), true
}

func (e ExceptionInfo) String() string {
	if sig, ok := e.Signal(); ok {
		name := unix.SignalName(sig)
		if name == "" {
			name = fmt.Sprintf("signal %d", int(sig))
		}
		return fmt.Sprintf("%v/EXC_SOFT_SIGNAL %s", e.Type, name)
	}
	return fmt.Sprintf("%v %#x", e.Type, e.Codes)
}

// StopFilter decides which EXC_SOFTWARE signal exceptions surface as stops.
// Every other exception class always stops.
type StopFilter struct {
	signals map[unix.Signal]bool
}

// NewStopFilter returns a filter stopping on the given signals. With no
// arguments only SIGTRAP stops.
func NewStopFilter(signals ...unix.Signal) StopFilter {
	if len(signals) == 0 {
		signals = []unix.Signal{unix.SIGTRAP}
	}
	f := StopFilter{signals: make(map[unix.Signal]bool, len(signals))}
	for _, sig := range signals {
		f.signals[sig] = true
	}
	return f
}

// Stops reports whether the exception must be handed to the caller. Signal
// exceptions for signals outside the filter are resumed by the wait loop.
func (f StopFilter) Stops(e ExceptionInfo) bool {
	sig, ok := e.Signal()
	if !ok {
		return true
	}
	if f.signals == nil {
		return sig == unix.SIGTRAP
	}
	return f.signals[sig]
}

// EventKind is the outcome of a wait.
type EventKind uint8

const (
	// EventNone is an unrecognized message; callers should wait again.
	EventNone EventKind = iota
	// EventStopped reports a thread suspended on an exception.
	EventStopped
	// EventDied reports the death of a task.
	EventDied
	// EventInterrupted reports that the wait was interrupted.
	EventInterrupted
	// EventTimeout reports that a non-blocking wait received nothing.
	EventTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventStopped:
		return "stopped"
	case EventDied:
		return "died"
	case EventInterrupted:
		return "interrupted"
	case EventTimeout:
		return "timeout"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is returned by Wait. Thread and Exception are set for EventStopped,
// Task for EventStopped and EventDied.
type Event struct {
	Kind      EventKind
	Thread    ThreadHandle
	Task      TaskHandle
	Exception ExceptionInfo
}

func (ev Event) String() string {
	switch ev.Kind {
	case EventStopped:
		return fmt.Sprintf("stopped thread %#x of task %#x: %v", ev.Thread, ev.Task, ev.Exception)
	case EventDied:
		return fmt.Sprintf("task %#x died", ev.Task)
	}
	return ev.Kind.String()
}
