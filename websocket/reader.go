package websocket

import (
	"errors"
	"io"
	"unicode/utf8"
)

// ErrStaleReader is returned by a message reader after a later read call
// moved the connection past its message.
var ErrStaleReader = errors.New("websocket: message reader is no longer current")

// NextReader returns the type of the next data message and a reader for its
// payload. Uncompressed fragments are pulled from the transport as the
// reader is drained; a compressed message is inflated whole first. Limits
// and UTF-8 of text messages are checked per fragment, before its bytes are
// handed out. The next call to a read method discards whatever is left of
// the message.
func (c *Conn) NextReader() (Opcode, io.Reader, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.releaseReader(); err != nil {
		return 0, nil, err
	}

	f, err := c.nextDataFrame()
	if err != nil {
		return 0, nil, err
	}

	var r *messageReader
	if f.Rsv&Rsv1 != 0 {
		if r, err = c.readCompressed(f); err != nil {
			return 0, nil, err
		}
	} else {
		r = &messageReader{c: c, opcode: f.Opcode}
		if err := r.load(f); err != nil {
			return 0, nil, err
		}
	}
	c.reader = r
	return r.opcode, r, nil
}

// readCompressed collects the fragments of a compressed message and
// inflates it. Callers hold readMu.
func (c *Conn) readCompressed(f Frame) (*messageReader, error) {
	msg, _, done, err := c.agg.push(f)
	for err == nil && !done {
		if f, err = c.nextDataFrame(); err != nil {
			return nil, err
		}
		msg, _, done, err = c.agg.push(f)
	}
	if err != nil {
		return nil, c.readFailed(err)
	}

	payload, err := c.inflate(msg.Payload)
	if err != nil {
		return nil, c.readFailed(err)
	}
	if msg.Type == OpText && !utf8.Valid(payload) {
		return nil, c.readFailed(newProtocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8))
	}
	return &messageReader{c: c, opcode: msg.Type, buf: payload, fin: true}, nil
}

// nextDataFrame returns the next data or continuation frame. Control frames
// that reach the caller go to the ping and pong handlers. Callers hold readMu.
func (c *Conn) nextDataFrame() (Frame, error) {
	for {
		f, err := c.nextFrame()
		if err != nil {
			return Frame{}, err
		}

		var handler func([]byte) error
		switch f.Opcode {
		case OpPing:
			handler = c.pingHandler
		case OpPong:
			handler = c.pongHandler
		default:
			return f, nil
		}
		if handler != nil {
			if err := handler(f.Payload); err != nil {
				return Frame{}, err
			}
		}
	}
}

// releaseReader skips the unread fragments of the current message reader
// and invalidates it. Callers hold readMu.
func (c *Conn) releaseReader() error {
	r := c.reader
	if r == nil {
		return nil
	}
	c.reader = nil
	for !r.fin {
		if err := r.next(); err != nil {
			return err
		}
	}
	return nil
}

type messageReader struct {
	c      *Conn
	opcode Opcode
	buf    []byte
	fin    bool
	size   int64
	// partial holds the bytes of a rune split across fragments.
	partial []byte
}

func (r *messageReader) Read(p []byte) (int, error) {
	r.c.readMu.Lock()
	defer r.c.readMu.Unlock()

	if r.c.reader != r {
		return 0, ErrStaleReader
	}
	for len(r.buf) == 0 {
		if r.fin {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// next loads the following fragment. Callers hold readMu.
func (r *messageReader) next() error {
	f, err := r.c.nextDataFrame()
	if err != nil {
		return err
	}
	return r.load(f)
}

func (r *messageReader) load(f Frame) error {
	c := r.c
	if err := c.agg.track(f); err != nil {
		return c.readFailed(err)
	}

	r.size += int64(len(f.Payload))
	if limit := c.cfg.messageLimit(); limit > 0 && r.size > limit {
		c.agg.active = false
		return c.readFailed(newProtocolError(CloseMessageTooBig, ErrMessageTooBig))
	}
	if r.opcode == OpText {
		var ok bool
		if r.partial, ok = validUTF8Fragment(r.partial, f.Payload, f.Fin); !ok {
			return c.readFailed(newProtocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8))
		}
	}

	r.buf = f.Payload
	r.fin = f.Fin
	return nil
}

// validUTF8Fragment checks partial followed by p. Unless final, an
// incomplete rune at the end is returned to be completed by the next
// fragment.
func validUTF8Fragment(partial, p []byte, final bool) ([]byte, bool) {
	data := p
	if len(partial) > 0 {
		data = append(partial, p...)
	}
	if final {
		return nil, utf8.Valid(data)
	}

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i > len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if !utf8.Valid(data[:cut]) {
		return nil, false
	}
	return append([]byte(nil), data[cut:]...), true
}
