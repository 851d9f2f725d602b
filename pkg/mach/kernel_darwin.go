//go:build darwin && cgo
// +build darwin,cgo

package mach

/*
#include <stdlib.h>
#include <mach/mach.h>
#include <libproc.h>

static kern_return_t
mt_task_for_pid(int pid, task_t *task) {
	return task_for_pid(mach_task_self(), pid, task);
}

static int
mt_task_valid(task_t task) {
	struct task_basic_info info;
	mach_msg_type_number_t count = TASK_BASIC_INFO_COUNT;
	return task_info(task, TASK_BASIC_INFO, (task_info_t)&info, &count) == KERN_SUCCESS;
}

static kern_return_t
mt_allocate(mach_port_right_t right, mach_port_name_t *name) {
	return mach_port_allocate(mach_task_self(), right, name);
}

static kern_return_t
mt_insert_send_right(mach_port_name_t name) {
	return mach_port_insert_right(mach_task_self(), name, name, MACH_MSG_TYPE_MAKE_SEND);
}

static kern_return_t
mt_move_member(mach_port_name_t member, mach_port_name_t set) {
	return mach_port_move_member(mach_task_self(), member, set);
}

static kern_return_t
mt_set_status(mach_port_name_t set, mach_port_name_array_t *members, mach_msg_type_number_t *count) {
	return mach_port_get_set_status(mach_task_self(), set, members, count);
}

static void
mt_free_names(void *list, mach_msg_type_number_t count) {
	vm_deallocate(mach_task_self(), (vm_address_t)list, count * sizeof(mach_port_name_t));
}

static kern_return_t
mt_destroy(mach_port_name_t name) {
	return mach_port_destroy(mach_task_self(), name);
}

static kern_return_t
mt_deallocate(mach_port_name_t name) {
	return mach_port_deallocate(mach_task_self(), name);
}

static kern_return_t
mt_set_exception_ports(task_t task, exception_mask_t mask, mach_port_t port) {
	return task_set_exception_ports(task, mask, port, EXCEPTION_DEFAULT, THREAD_STATE_NONE);
}

static kern_return_t
mt_request_dead_name(task_t task, mach_port_t notify, mach_port_t *prev) {
	return mach_port_request_notification(mach_task_self(), task, MACH_NOTIFY_DEAD_NAME, 0,
		notify, MACH_MSG_TYPE_MAKE_SEND_ONCE, prev);
}

static mach_msg_return_t
mt_receive(mach_port_t port, void *buf, mach_msg_size_t size, mach_msg_option_t options, mach_msg_timeout_t timeout) {
	return mach_msg((mach_msg_header_t *)buf, options, 0, size, port, timeout, MACH_PORT_NULL);
}

static mach_msg_return_t
mt_send(void *buf, mach_msg_option_t options, mach_msg_timeout_t timeout) {
	mach_msg_header_t *hdr = (mach_msg_header_t *)buf;
	return mach_msg(hdr, options, hdr->msgh_size, 0, MACH_PORT_NULL, timeout, MACH_PORT_NULL);
}

static kern_return_t
mt_task_threads(task_t task, thread_act_array_t *list, mach_msg_type_number_t *count) {
	return task_threads(task, list, count);
}
*/
import "C"
import (
	"encoding/binary"
	"time"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

type darwinKernel struct{}

// NativeKernel returns the Mach kernel of the running system.
func NativeKernel() (Kernel, error) {
	return darwinKernel{}, nil
}

func kret(kr C.kern_return_t) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	return KernReturn(kr)
}

func msTimeout(d time.Duration) C.mach_msg_timeout_t {
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if ms == 0 {
		ms = 1
	}
	return C.mach_msg_timeout_t(ms)
}

func (darwinKernel) ProcessExists(pid int) (bool, error) {
	err := sys.Kill(pid, 0)
	switch err {
	case nil, sys.EPERM:
		return true, nil
	case sys.ESRCH:
		return false, nil
	}
	return false, err
}

func (darwinKernel) TaskForPid(pid int) (TaskHandle, error) {
	var task C.task_t
	if err := kret(C.mt_task_for_pid(C.int(pid), &task)); err != nil {
		return 0, err
	}
	return TaskHandle(task), nil
}

func (darwinKernel) TaskValid(task TaskHandle) bool {
	return C.mt_task_valid(C.task_t(task)) != 0
}

func (darwinKernel) AllocatePort() (Port, error) {
	var name C.mach_port_name_t
	if err := kret(C.mt_allocate(C.MACH_PORT_RIGHT_RECEIVE, &name)); err != nil {
		return PortNull, err
	}
	return Port(name), nil
}

func (darwinKernel) InsertSendRight(port Port) error {
	return kret(C.mt_insert_send_right(C.mach_port_name_t(port)))
}

func (darwinKernel) AllocatePortSet() (Port, error) {
	var name C.mach_port_name_t
	if err := kret(C.mt_allocate(C.MACH_PORT_RIGHT_PORT_SET, &name)); err != nil {
		return PortNull, err
	}
	return Port(name), nil
}

func (darwinKernel) MoveMember(port, set Port) error {
	return kret(C.mt_move_member(C.mach_port_name_t(port), C.mach_port_name_t(set)))
}

func (darwinKernel) PortSetMembers(set Port) ([]Port, error) {
	var (
		list  C.mach_port_name_array_t
		count C.mach_msg_type_number_t
	)
	if err := kret(C.mt_set_status(C.mach_port_name_t(set), &list, &count)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	defer C.mt_free_names(unsafe.Pointer(list), count)
	names := unsafe.Slice((*C.mach_port_name_t)(unsafe.Pointer(list)), int(count))
	members := make([]Port, len(names))
	for i, name := range names {
		members[i] = Port(name)
	}
	return members, nil
}

func (darwinKernel) DestroyPort(port Port) error {
	return kret(C.mt_destroy(C.mach_port_name_t(port)))
}

func (darwinKernel) Deallocate(port Port) error {
	return kret(C.mt_deallocate(C.mach_port_name_t(port)))
}

func (darwinKernel) SetExceptionPorts(task TaskHandle, mask ExceptionMask, port Port) error {
	return kret(C.mt_set_exception_ports(C.task_t(task), C.exception_mask_t(mask), C.mach_port_t(port)))
}

func (darwinKernel) RequestDeadName(task TaskHandle, notify Port) (Port, error) {
	var prev C.mach_port_t
	if err := kret(C.mt_request_dead_name(C.task_t(task), C.mach_port_t(notify), &prev)); err != nil {
		return PortNull, err
	}
	return Port(prev), nil
}

func (darwinKernel) Receive(port Port, buf []byte, options uint32, timeout time.Duration) (int, error) {
	if len(buf) < headerSize+trailerMinSize {
		return 0, RcvTooLarge
	}
	ret := C.mt_receive(C.mach_port_t(port), unsafe.Pointer(&buf[0]), C.mach_msg_size_t(len(buf)),
		C.mach_msg_option_t(options), msTimeout(timeout))
	if ret != C.MACH_MSG_SUCCESS {
		return 0, KernReturn(ret)
	}
	n := int(binary.LittleEndian.Uint32(buf[4:]))
	if n+trailerMinSize <= len(buf) {
		n += int(binary.LittleEndian.Uint32(buf[n+4:]))
	}
	if n > len(buf) {
		n = len(buf)
	}
	return n, nil
}

func (darwinKernel) Send(msg []byte, options uint32, timeout time.Duration) error {
	if len(msg) < headerSize {
		return SendMsgTooSmall
	}
	ret := C.mt_send(unsafe.Pointer(&msg[0]), C.mach_msg_option_t(options), msTimeout(timeout))
	if ret != C.MACH_MSG_SUCCESS {
		return KernReturn(ret)
	}
	return nil
}

func (darwinKernel) SuspendThread(thread ThreadHandle) error {
	return kret(C.thread_suspend(C.thread_act_t(thread)))
}

func (darwinKernel) ResumeThread(thread ThreadHandle) error {
	return kret(C.thread_resume(C.thread_act_t(thread)))
}

func (darwinKernel) TaskThreads(task TaskHandle) ([]ThreadHandle, error) {
	var (
		list  C.thread_act_array_t
		count C.mach_msg_type_number_t
	)
	if err := kret(C.mt_task_threads(C.task_t(task), &list, &count)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	defer C.mt_free_names(unsafe.Pointer(list), count)
	acts := unsafe.Slice((*C.thread_act_t)(unsafe.Pointer(list)), int(count))
	threads := make([]ThreadHandle, len(acts))
	for i, act := range acts {
		threads[i] = ThreadHandle(act)
	}
	return threads, nil
}

func (darwinKernel) ProcPidPath(pid int) ([]byte, error) {
	buf := make([]byte, MaxPathSize)
	n, err := C.proc_pidpath(C.int(pid), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf)))
	if n <= 0 {
		if err == nil {
			err = sys.ESRCH
		}
		return nil, err
	}
	return buf[:n], nil
}
