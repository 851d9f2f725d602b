package mach

import (
	"errors"
	"fmt"
)

// KernReturn is a kern_return_t / mach_msg_return_t status code.
type KernReturn int32

const (
	KernSuccess           KernReturn = 0
	KernInvalidAddress    KernReturn = 1
	KernProtectionFailure KernReturn = 2
	KernNoSpace           KernReturn = 3
	KernInvalidArgument   KernReturn = 4
	KernFailure           KernReturn = 5
	KernResourceShortage  KernReturn = 6
	KernNotReceiver       KernReturn = 7
	KernNoAccess          KernReturn = 8
	KernInvalidName       KernReturn = 15
	KernInvalidTask       KernReturn = 16
	KernInvalidRight      KernReturn = 17
	KernInvalidValue      KernReturn = 18
	KernTerminated        KernReturn = 37

	SendInvalidDest   KernReturn = 0x10000003
	SendTimedOut      KernReturn = 0x10000004
	SendInterrupted   KernReturn = 0x10000007
	SendMsgTooSmall   KernReturn = 0x10000008
	RcvInvalidName    KernReturn = 0x10004002
	RcvTimedOut       KernReturn = 0x10004003
	RcvTooLarge       KernReturn = 0x10004004
	RcvInterrupted    KernReturn = 0x10004005
	RcvPortChanged    KernReturn = 0x10004006
	RcvPortDied       KernReturn = 0x10004009
	RcvInvalidTrailer KernReturn = 0x1000400f
)

var kernReturnNames = map[KernReturn]string{
	KernSuccess:           "(os/kern) successful",
	KernInvalidAddress:    "(os/kern) invalid address",
	KernProtectionFailure: "(os/kern) protection failure",
	KernNoSpace:           "(os/kern) no space available",
	KernInvalidArgument:   "(os/kern) invalid argument",
	KernFailure:           "(os/kern) failure",
	KernResourceShortage:  "(os/kern) resource shortage",
	KernNotReceiver:       "(os/kern) not receiver",
	KernNoAccess:          "(os/kern) no access",
	KernInvalidName:       "(os/kern) invalid name",
	KernInvalidTask:       "(os/kern) invalid task",
	KernInvalidRight:      "(os/kern) invalid right",
	KernInvalidValue:      "(os/kern) invalid value",
	KernTerminated:        "(os/kern) terminated",
	SendInvalidDest:       "(ipc/send) invalid destination port",
	SendTimedOut:          "(ipc/send) timed out",
	SendInterrupted:       "(ipc/send) interrupted",
	SendMsgTooSmall:       "(ipc/send) message size changed while being copied",
	RcvInvalidName:        "(ipc/rcv) invalid name",
	RcvTimedOut:           "(ipc/rcv) timed out",
	RcvTooLarge:           "(ipc/rcv) message too large",
	RcvInterrupted:        "(ipc/rcv) interrupted",
	RcvPortChanged:        "(ipc/rcv) port moved into set",
	RcvPortDied:           "(ipc/rcv) port died",
	RcvInvalidTrailer:     "(ipc/rcv) invalid trailer",
}

func (kr KernReturn) Error() string {
	if s, ok := kernReturnNames[kr]; ok {
		return fmt.Sprintf("%s (%#x)", s, int32(kr))
	}
	return fmt.Sprintf("unknown error code %#x", int32(kr))
}

// Errors returned by the control layer. Kernel status codes are wrapped so
// that both the category and the KernReturn can be recovered with errors.Is
// and errors.As.
var (
	ErrNoSuchProcess      = errors.New("no such process")
	ErrPermissionDenied   = errors.New("could not acquire task: permission denied")
	ErrKernelFailure      = errors.New("kernel failure")
	ErrAllocationFailed   = errors.New("port allocation failed")
	ErrRegistrationFailed = errors.New("port registration failed")
	ErrSendFailed         = errors.New("could not send exception reply")
	ErrSendInterrupted    = errors.New("exception reply interrupted")
	ErrBufferTooSmall     = errors.New("thread list exceeds capacity")
	ErrPathNotFound       = errors.New("executable path not found")
	ErrPathTruncated      = errors.New("executable path truncated")
	ErrMalformedMessage   = errors.New("malformed mach message")
	ErrUnsupported        = errors.New("mach task control is not supported on this platform")
)

// kernError ties a KernReturn to one of the error categories above.
type kernError struct {
	category error
	op       string
	code     KernReturn
}

func (e *kernError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.category, e.op, e.code)
}

func (e *kernError) Is(target error) bool {
	return target == e.category
}

func (e *kernError) Unwrap() error {
	return e.code
}

// wrapKern classifies err under category. Errors that do not carry a
// KernReturn are wrapped as they are.
func wrapKern(category error, op string, err error) error {
	var kr KernReturn
	if errors.As(err, &kr) {
		return &kernError{category: category, op: op, code: kr}
	}
	return fmt.Errorf("%w: %s: %v", category, op, err)
}

// SetupError is returned by RegisterControl when one of the registration
// steps fails. Step names the failing kernel call.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("could not register control ports (%s): %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Code returns the kernel status code of the failing step, or KernFailure
// if the step did not fail with a kernel status.
func (e *SetupError) Code() KernReturn {
	var kr KernReturn
	if errors.As(e.Err, &kr) {
		return kr
	}
	return KernFailure
}
