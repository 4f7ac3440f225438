package websocket

import (
	"encoding/binary"
	"io"
	"strconv"
	"unicode/utf8"
)

// Opcode identifies the frame variant, RFC 6455 section 5.2.
type Opcode byte

// Frame opcodes defined in RFC 6455, section 11.8.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(op)) + ")"
	}
}

// IsControl reports whether op is a close, ping or pong opcode.
func (op Opcode) IsControl() bool {
	return op == OpClose || op == OpPing || op == OpPong
}

// IsData reports whether op starts a data message.
func (op Opcode) IsData() bool {
	return op == OpText || op == OpBinary
}

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Reserved bits as stored in Frame.Rsv.
const (
	Rsv1 byte = 1 << 2
	Rsv2 byte = 1 << 1
	Rsv3 byte = 1 << 0
)

// Frame is a single WebSocket frame. Payload is always unmasked.
type Frame struct {
	Opcode  Opcode
	Fin     bool
	Rsv     byte
	Payload []byte
}

// NewTextFrame returns a final text frame.
func NewTextFrame(text string) Frame {
	return Frame{Opcode: OpText, Fin: true, Payload: []byte(text)}
}

// NewBinaryFrame returns a final binary frame.
func NewBinaryFrame(data []byte) Frame {
	return Frame{Opcode: OpBinary, Fin: true, Payload: data}
}

// NewContinuationFrame returns a continuation frame; fin marks the last fragment.
func NewContinuationFrame(data []byte, fin bool) Frame {
	return Frame{Opcode: OpContinuation, Fin: fin, Payload: data}
}

// NewPingFrame returns a ping frame carrying appData.
func NewPingFrame(appData []byte) Frame {
	return Frame{Opcode: OpPing, Fin: true, Payload: appData}
}

// NewPongFrame returns a pong frame carrying appData.
func NewPongFrame(appData []byte) Frame {
	return Frame{Opcode: OpPong, Fin: true, Payload: appData}
}

// NewCloseFrame returns a close frame with the given status.
// CloseNoStatusReceived produces an empty body.
func NewCloseFrame(code int, reason string) Frame {
	return Frame{Opcode: OpClose, Fin: true, Payload: FormatCloseMessage(code, reason)}
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// CloseStatus decodes the body of a close frame per RFC 6455, section 5.5.1.
func (f Frame) CloseStatus() (CloseStatus, error) {
	if f.Opcode != OpClose {
		return CloseStatus{}, ErrInvalidControlFrame
	}
	return parseClosePayload(f.Payload)
}

func parseClosePayload(p []byte) (CloseStatus, error) {
	switch {
	case len(p) == 0:
		return CloseStatus{Code: CloseNoStatusReceived}, nil
	case len(p) == 1:
		return CloseStatus{}, ErrInvalidClosePayload
	}
	code := int(binary.BigEndian.Uint16(p))
	if !isValidReceivedCloseCode(code) {
		return CloseStatus{}, ErrInvalidCloseCode
	}
	if !utf8.Valid(p[2:]) {
		return CloseStatus{}, ErrInvalidClosePayload
	}
	return CloseStatus{Code: code, Reason: string(p[2:])}, nil
}

// isValidReceivedCloseCode reports whether code may appear on the wire,
// RFC 6455 section 7.4.
func isValidReceivedCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// Frame header constants per RFC 6455, section 5.2.
const (
	maxFrameHeaderSize         = 14  // 2 bytes base + 8 bytes extended length + 4 bytes mask
	maxControlFramePayloadSize = 125 // RFC 6455, section 5.5
	defaultWriteBufferSize     = 4096
	defaultReadBufferSize      = 4096

	finalBit = 1 << 7
	rsv1Bit  = 1 << 6
	rsv2Bit  = 1 << 5
	rsv3Bit  = 1 << 4
	maskBit  = 1 << 7

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127
)

// framer translates between the byte stream and frames. Reads and writes
// are driven by different goroutines, so the read and write scratch
// buffers are kept apart.
type framer struct {
	r        io.Reader
	w        io.Writer
	isServer bool

	// maxPayload caps a single data frame payload; 0 disables the check.
	maxPayload int64
	// allowedRsv holds the reserved bits an extension has claimed.
	allowedRsv byte

	readHdr  [maxFrameHeaderSize]byte
	writeBuf []byte
}

func newFramer(r io.Reader, w io.Writer, isServer bool, maxPayload int64, writeBufferSize int) *framer {
	if writeBufferSize <= 0 {
		writeBufferSize = defaultWriteBufferSize
	}
	return &framer{
		r:          r,
		w:          w,
		isServer:   isServer,
		maxPayload: maxPayload,
		writeBuf:   make([]byte, writeBufferSize+maxFrameHeaderSize),
	}
}

// readFrame reads one frame per RFC 6455, section 5.2. Transport errors are
// returned as is; violations are returned as *ProtocolError.
func (fr *framer) readFrame() (Frame, error) {
	hdr := fr.readHdr[:]
	if _, err := io.ReadFull(fr.r, hdr[:2]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    hdr[0]&finalBit != 0,
		Rsv:    (hdr[0] >> 4) & 0x07,
		Opcode: Opcode(hdr[0] & opcodeMask),
	}
	masked := hdr[1]&maskBit != 0
	length := int64(hdr[1] & payloadLenMask)

	if !f.Opcode.valid() {
		return Frame{}, newProtocolError(CloseProtocolError, ErrInvalidOpcode)
	}
	if f.Rsv&^fr.allowedRsv != 0 {
		return Frame{}, newProtocolError(CloseProtocolError, ErrReservedBits)
	}
	// RFC 7692, section 6.1: RSV1 marks the first frame of a compressed message only.
	if f.Rsv&Rsv1 != 0 && !f.Opcode.IsData() {
		return Frame{}, newProtocolError(CloseProtocolError, ErrReservedBits)
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return Frame{}, newProtocolError(CloseProtocolError, ErrFragmentedControlFrame)
		}
		if length > maxControlFramePayloadSize {
			return Frame{}, newProtocolError(CloseProtocolError, ErrControlFramePayloadTooBig)
		}
	}
	if masked != fr.isServer {
		if fr.isServer {
			return Frame{}, newProtocolError(CloseProtocolError, ErrMaskRequired)
		}
		return Frame{}, newProtocolError(CloseProtocolError, ErrMaskUnexpected)
	}

	switch length {
	case payloadLen16:
		if _, err := io.ReadFull(fr.r, hdr[2:4]); err != nil {
			return Frame{}, err
		}
		length = int64(binary.BigEndian.Uint16(hdr[2:4]))
	case payloadLen64:
		if _, err := io.ReadFull(fr.r, hdr[2:10]); err != nil {
			return Frame{}, err
		}
		u := binary.BigEndian.Uint64(hdr[2:10])
		if u>>63 != 0 {
			return Frame{}, newProtocolError(CloseProtocolError, ErrInvalidLength)
		}
		length = int64(u)
	}

	if fr.maxPayload > 0 && length > fr.maxPayload {
		return Frame{}, newProtocolError(CloseMessageTooBig, ErrFrameTooLarge)
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(fr.r, mask[:]); err != nil {
			return Frame{}, err
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if masked {
		maskBytes(mask, 0, f.Payload)
	}
	return f, nil
}

// writeFrame serializes f. Callers hold the connection write lock.
func (fr *framer) writeFrame(f Frame) error {
	buf := fr.writeBuf
	headerLen := 2

	b0 := byte(f.Opcode) | (f.Rsv&0x07)<<4
	if f.Fin {
		b0 |= finalBit
	}
	buf[0] = b0

	n := len(f.Payload)
	switch {
	case n <= 125:
		buf[1] = byte(n)
	case n <= 65535:
		buf[1] = payloadLen16
		binary.BigEndian.PutUint16(buf[2:], uint16(n))
		headerLen = 4
	default:
		buf[1] = payloadLen64
		binary.BigEndian.PutUint64(buf[2:], uint64(n))
		headerLen = 10
	}

	var mask [4]byte
	masked := !fr.isServer
	if masked {
		buf[1] |= maskBit
		mask = newMaskKey()
		copy(buf[headerLen:], mask[:])
		headerLen += 4
	}

	// Small frames go out in a single write.
	if headerLen+n <= len(buf) {
		copy(buf[headerLen:], f.Payload)
		if masked {
			maskBytes(mask, 0, buf[headerLen:headerLen+n])
		}
		_, err := fr.w.Write(buf[:headerLen+n])
		return err
	}

	if _, err := fr.w.Write(buf[:headerLen]); err != nil {
		return err
	}
	data := f.Payload
	if masked {
		data = make([]byte, n)
		copy(data, f.Payload)
		maskBytes(mask, 0, data)
	}
	_, err := fr.w.Write(data)
	return err
}

// encodeFrame returns the wire form of f without touching a connection.
func encodeFrame(f Frame, isServer bool) []byte {
	var out frameBuffer
	fr := &framer{w: &out, isServer: isServer, writeBuf: make([]byte, maxFrameHeaderSize+len(f.Payload))}
	_ = fr.writeFrame(f)
	return out.b
}

type frameBuffer struct {
	b []byte
}

func (fb *frameBuffer) Write(p []byte) (int, error) {
	fb.b = append(fb.b, p...)
	return len(p), nil
}
