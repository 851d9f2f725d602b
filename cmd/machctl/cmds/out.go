package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/machtask/pkg/mach"
)

const (
	colorReset  = "\x1b[0m"
	colorFaint  = "\x1b[2m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
)

// eventWriter prints session events, colored when writing to a terminal.
type eventWriter struct {
	w     io.Writer
	color bool
}

func newEventWriter(w io.Writer) *eventWriter {
	ew := &eventWriter{w: w}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) && strings.ToLower(os.Getenv("TERM")) != "dumb" {
		ew.w = colorable.NewColorable(f)
		ew.color = true
	}
	return ew
}

func (ew *eventWriter) printf(color, format string, args ...interface{}) {
	if ew.color && color != "" {
		fmt.Fprintf(ew.w, color+format+colorReset+"\n", args...)
		return
	}
	fmt.Fprintf(ew.w, format+"\n", args...)
}

func (ew *eventWriter) attached(s *mach.Session, path string) {
	ew.printf(colorGreen, "attached to pid %d (%s) task %#x, session %s", s.Task.Pid, path, s.Task.Handle, s.ID)
}

func (ew *eventWriter) event(ev mach.Event) {
	switch ev.Kind {
	case mach.EventStopped:
		ew.printf(colorYellow, "stopped: thread %#x %v", ev.Thread, ev.Exception)
	case mach.EventDied:
		ew.printf(colorRed, "exited: task %#x", ev.Task)
	case mach.EventNone:
		ew.printf(colorFaint, "ignored unexpected message")
	default:
		ew.printf(colorFaint, "%v", ev.Kind)
	}
}

func (ew *eventWriter) detached(pid int) {
	ew.printf(colorGreen, "detached from pid %d", pid)
}
