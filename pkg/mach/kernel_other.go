//go:build !darwin || !cgo
// +build !darwin !cgo

package mach

// NativeKernel returns the Mach kernel of the running system. Mach task
// control needs darwin and cgo.
func NativeKernel() (Kernel, error) {
	return nil, ErrUnsupported
}
