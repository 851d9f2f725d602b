package mach

import (
	"encoding/binary"
	"fmt"
)

// Message ids understood by the wait loop.
const (
	// ExceptionRaiseID is the msgh_id of exception_raise (exc.defs, subsystem 2400).
	ExceptionRaiseID int32 = 2401
	// DeadNameID is MACH_NOTIFY_DEAD_NAME.
	DeadNameID int32 = 0110
	// ReplyIDOffset is added by MIG to a request id to form the reply id.
	ReplyIDOffset int32 = 100
)

// Port right dispositions (mach_msg_type_name_t) and header bits.
const (
	MsgTypeMoveSend     uint32 = 17
	MsgTypeMoveSendOnce uint32 = 18
	MsgTypeCopySend     uint32 = 19
	MsgTypeMakeSend     uint32 = 20
	MsgTypeMakeSendOnce uint32 = 21

	MsgBitsComplex uint32 = 0x80000000
	msgBitsRemote  uint32 = 0x0000001f

	portDescriptorType uint8 = 0
)

// MsgBits is MACH_MSGH_BITS(remote, local).
func MsgBits(remote, local uint32) uint32 {
	return remote | local<<8
}

// Layout of the messages exchanged with the kernel. All fields are little
// endian; sizes are those of the 64-bit userland structures.
const (
	headerSize         = 24
	ndrSize            = 8
	portDescriptorSize = 12
	trailerMinSize     = 8

	// exception_raise request
	excBodyOff      = headerSize
	excThreadOff    = excBodyOff + 4
	excTaskOff      = excThreadOff + portDescriptorSize
	excNDROff       = excTaskOff + portDescriptorSize
	excTypeOff      = excNDROff + ndrSize
	excCodeCountOff = excTypeOff + 4
	excCodesOff     = excCodeCountOff + 4
	excMaxCodes     = 2

	exceptionRequestMinSize = excCodesOff
	exceptionRequestMaxSize = excCodesOff + 4*excMaxCodes

	// mach_dead_name_notification_t
	deadNameNDROff = headerSize
	deadNameOff    = deadNameNDROff + ndrSize
	deadNameSize   = deadNameOff + 4

	// mig_reply_error_t
	replyNDROff    = headerSize
	replyRetOff    = replyNDROff + ndrSize
	replySize      = replyRetOff + 4
	receiveBufSize = headerSize + 256
)

// ndrRecord is NDR_record: little endian integers, ASCII, IEEE floats.
var ndrRecord = [ndrSize]byte{0, 0, 0, 0, 1, 0, 0, 0}

// Header is mach_msg_header_t.
type Header struct {
	Bits    uint32
	Size    uint32
	Remote  Port
	Local   Port
	Voucher uint32
	ID      int32
}

func (h Header) String() string {
	return fmt.Sprintf("id=%d size=%d remote=%#x local=%#x bits=%#x", h.ID, h.Size, h.Remote, h.Local, h.Bits)
}

func (h Header) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], h.Bits)
	le.PutUint32(b[4:], h.Size)
	le.PutUint32(b[8:], uint32(h.Remote))
	le.PutUint32(b[12:], uint32(h.Local))
	le.PutUint32(b[16:], h.Voucher)
	le.PutUint32(b[20:], uint32(h.ID))
}

// DecodeHeader decodes the message header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than a message header", ErrMalformedMessage, len(b))
	}
	le := binary.LittleEndian
	return Header{
		Bits:    le.Uint32(b[0:]),
		Size:    le.Uint32(b[4:]),
		Remote:  Port(le.Uint32(b[8:])),
		Local:   Port(le.Uint32(b[12:])),
		Voucher: le.Uint32(b[16:]),
		ID:      int32(le.Uint32(b[20:])),
	}, nil
}

// received validates a message as copied out by mach_msg: the header size
// must fit in b and be followed by a well formed trailer. It returns the
// header and the message without its trailer.
func received(b []byte) (Header, []byte, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, nil, err
	}
	if h.Size < headerSize || int(h.Size)+trailerMinSize > len(b) {
		return h, nil, fmt.Errorf("%w: size %d does not fit in %d received bytes", ErrMalformedMessage, h.Size, len(b))
	}
	tsize := binary.LittleEndian.Uint32(b[h.Size+4:])
	if tsize < trailerMinSize || int(h.Size)+int(tsize) > len(b) {
		return h, nil, fmt.Errorf("%w: bad trailer size %d", ErrMalformedMessage, tsize)
	}
	return h, b[:h.Size], nil
}

// AppendTrailer appends a format 0 trailer, the minimum the kernel attaches
// to every received message.
func AppendTrailer(msg []byte) []byte {
	var t [trailerMinSize]byte
	binary.LittleEndian.PutUint32(t[4:], trailerMinSize)
	return append(msg, t[:]...)
}

// ExceptionRequest is the body of an exception_raise message.
type ExceptionRequest struct {
	Header
	Thread    ThreadHandle
	Task      TaskHandle
	Exception ExceptionType
	Codes     []int32
}

// Info returns the classification relevant part of the request.
func (r *ExceptionRequest) Info() ExceptionInfo {
	return ExceptionInfo{Type: r.Exception, Codes: append([]int32(nil), r.Codes...)}
}

func putPortDescriptor(b []byte, name Port, disposition uint32) {
	binary.LittleEndian.PutUint32(b[0:], uint32(name))
	binary.LittleEndian.PutUint32(b[4:], 0)
	b[8], b[9] = 0, 0
	b[10] = uint8(disposition)
	b[11] = portDescriptorType
}

func portDescriptor(b []byte) (Port, error) {
	if b[11] != portDescriptorType {
		return PortNull, fmt.Errorf("%w: descriptor type %d is not a port descriptor", ErrMalformedMessage, b[11])
	}
	return Port(binary.LittleEndian.Uint32(b)), nil
}

// Encode serializes r. Header.Size is computed from the number of codes,
// the complex bit is always set.
func (r *ExceptionRequest) Encode() ([]byte, error) {
	if len(r.Codes) > excMaxCodes {
		return nil, fmt.Errorf("%w: %d exception codes, at most %d allowed", ErrMalformedMessage, len(r.Codes), excMaxCodes)
	}
	b := make([]byte, excCodesOff+4*len(r.Codes))
	h := r.Header
	h.Bits |= MsgBitsComplex
	h.Size = uint32(len(b))
	h.put(b)
	le := binary.LittleEndian
	le.PutUint32(b[excBodyOff:], 2)
	putPortDescriptor(b[excThreadOff:], Port(r.Thread), MsgTypeCopySend)
	putPortDescriptor(b[excTaskOff:], Port(r.Task), MsgTypeCopySend)
	copy(b[excNDROff:], ndrRecord[:])
	le.PutUint32(b[excTypeOff:], uint32(r.Exception))
	le.PutUint32(b[excCodeCountOff:], uint32(len(r.Codes)))
	for i, c := range r.Codes {
		le.PutUint32(b[excCodesOff+4*i:], uint32(c))
	}
	return b, nil
}

// DecodeExceptionRequest decodes an exception_raise message. b must not
// include the trailer beyond Header.Size.
func DecodeExceptionRequest(b []byte) (*ExceptionRequest, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if h.ID != ExceptionRaiseID {
		return nil, fmt.Errorf("%w: id %d is not exception_raise", ErrMalformedMessage, h.ID)
	}
	if int(h.Size) > len(b) || h.Size < exceptionRequestMinSize || h.Size > exceptionRequestMaxSize {
		return nil, fmt.Errorf("%w: exception_raise size %d", ErrMalformedMessage, h.Size)
	}
	if h.Bits&MsgBitsComplex == 0 {
		return nil, fmt.Errorf("%w: exception_raise is not a complex message", ErrMalformedMessage)
	}
	le := binary.LittleEndian
	if n := le.Uint32(b[excBodyOff:]); n != 2 {
		return nil, fmt.Errorf("%w: exception_raise carries %d descriptors", ErrMalformedMessage, n)
	}
	thread, err := portDescriptor(b[excThreadOff:])
	if err != nil {
		return nil, err
	}
	task, err := portDescriptor(b[excTaskOff:])
	if err != nil {
		return nil, err
	}
	n := le.Uint32(b[excCodeCountOff:])
	if n > excMaxCodes || excCodesOff+4*int(n) > int(h.Size) {
		return nil, fmt.Errorf("%w: exception_raise code count %d", ErrMalformedMessage, n)
	}
	r := &ExceptionRequest{
		Header:    h,
		Thread:    ThreadHandle(thread),
		Task:      TaskHandle(task),
		Exception: ExceptionType(int32(le.Uint32(b[excTypeOff:]))),
		Codes:     make([]int32, n),
	}
	for i := range r.Codes {
		r.Codes[i] = int32(le.Uint32(b[excCodesOff+4*i:]))
	}
	return r, nil
}

// DeadNameNotification is mach_dead_name_notification_t.
type DeadNameNotification struct {
	Header
	Name Port
}

// Encode serializes n as the kernel would send it to a notification port.
func (n *DeadNameNotification) Encode() []byte {
	b := make([]byte, deadNameSize)
	h := n.Header
	h.ID = DeadNameID
	h.Size = deadNameSize
	h.put(b)
	copy(b[deadNameNDROff:], ndrRecord[:])
	binary.LittleEndian.PutUint32(b[deadNameOff:], uint32(n.Name))
	return b
}

// DecodeDeadNameNotification decodes a MACH_NOTIFY_DEAD_NAME message.
func DecodeDeadNameNotification(b []byte) (*DeadNameNotification, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if h.ID != DeadNameID {
		return nil, fmt.Errorf("%w: id %d is not a dead name notification", ErrMalformedMessage, h.ID)
	}
	if h.Size < deadNameSize || int(h.Size) > len(b) {
		return nil, fmt.Errorf("%w: dead name notification size %d", ErrMalformedMessage, h.Size)
	}
	return &DeadNameNotification{Header: h, Name: Port(binary.LittleEndian.Uint32(b[deadNameOff:]))}, nil
}

// EncodeReply builds the mig_reply_error_t answering the request whose
// header is req. The reply goes to the request's reply port with the
// disposition the request asked for.
func EncodeReply(req Header, ret KernReturn) []byte {
	b := make([]byte, replySize)
	Header{
		Bits:   MsgBits(req.Bits&msgBitsRemote, 0),
		Size:   replySize,
		Remote: req.Remote,
		Local:  PortNull,
		ID:     req.ID + ReplyIDOffset,
	}.put(b)
	copy(b[replyNDROff:], ndrRecord[:])
	binary.LittleEndian.PutUint32(b[replyRetOff:], uint32(ret))
	return b
}

// DecodeReply decodes a mig_reply_error_t.
func DecodeReply(b []byte) (Header, KernReturn, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, 0, err
	}
	if h.Size < replySize || int(h.Size) > len(b) {
		return h, 0, fmt.Errorf("%w: reply size %d", ErrMalformedMessage, h.Size)
	}
	return h, KernReturn(int32(binary.LittleEndian.Uint32(b[replyRetOff:]))), nil
}
