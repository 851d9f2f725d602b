// Package mach implements the Mach side of attaching a debugger to a
// process on macOS: acquiring the task port of a pid, redirecting its
// breakpoint and software exceptions to a port we own, being notified of
// its death, and waiting on both at once.
//
// The kernel is reached through the Kernel interface. NativeKernel returns
// the cgo implementation on darwin; package machtest provides an in-memory
// kernel speaking the same message layouts for tests.
//
// The usual sequence is:
//
//	ctl, _ := mach.NewController(k, mach.Options{})
//	task, _ := ctl.Acquire(pid)
//	ports, _ := ctl.RegisterControl(task.Handle)
//	for {
//		ev, err := ctl.Wait(ctx, ports, false)
//		...
//	}
//
// Session bundles these steps for a single target.
package mach
