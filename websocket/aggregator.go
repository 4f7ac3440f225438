package websocket

// Message is a complete application message.
type Message struct {
	// Type is OpText or OpBinary.
	Type    Opcode
	Payload []byte
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Payload)
}

// messageAggregator reassembles fragmented messages, RFC 6455 section 5.4.
// It is owned by the reading goroutine.
type messageAggregator struct {
	// limit caps the assembled payload; 0 disables the check.
	limit int64

	active     bool
	opcode     Opcode
	compressed bool
	buf        []byte
}

// track validates f against the fragmentation state without buffering.
func (a *messageAggregator) track(f Frame) error {
	switch {
	case f.Opcode == OpContinuation:
		if !a.active {
			return newProtocolError(CloseProtocolError, ErrUnexpectedContinuation)
		}
	case f.Opcode.IsData():
		if a.active {
			return newProtocolError(CloseProtocolError, ErrExpectedContinuation)
		}
		a.active = true
		a.opcode = f.Opcode
		a.compressed = f.Rsv&Rsv1 != 0
		a.buf = nil
	default:
		return nil
	}
	if f.Fin {
		a.active = false
	}
	return nil
}

// push adds a data or continuation frame. It returns the message once the
// final fragment arrives; the limit is checked before anything is delivered.
func (a *messageAggregator) push(f Frame) (msg Message, compressed, done bool, err error) {
	if err := a.track(f); err != nil {
		return Message{}, false, false, err
	}
	if a.limit > 0 && int64(len(a.buf))+int64(len(f.Payload)) > a.limit {
		a.active = false
		a.buf = nil
		return Message{}, false, false, newProtocolError(CloseMessageTooBig, ErrMessageTooBig)
	}

	// A single-frame message needs no copy.
	if a.buf == nil && f.Fin {
		return Message{Type: a.opcode, Payload: f.Payload}, a.compressed, true, nil
	}
	a.buf = append(a.buf, f.Payload...)
	if !f.Fin {
		return Message{}, false, false, nil
	}

	msg = Message{Type: a.opcode, Payload: a.buf}
	a.buf = nil
	return msg, a.compressed, true, nil
}
