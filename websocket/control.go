package websocket

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"
)

// CloseStatus is the code and reason of a close frame.
type CloseStatus struct {
	Code   int
	Reason string
}

func (s CloseStatus) String() string {
	if s.Reason == "" {
		return strconv.Itoa(s.Code)
	}
	return strconv.Itoa(s.Code) + " " + s.Reason
}

// closeEvent delivers the first close status of a connection, once, to
// every subscriber.
type closeEvent struct {
	mu     sync.Mutex
	fired  bool
	status CloseStatus
	subs   []chan CloseStatus
	done   chan struct{}
}

func newCloseEvent() *closeEvent {
	return &closeEvent{done: make(chan struct{})}
}

// fire records status unless a status was already recorded.
func (e *closeEvent) fire(status CloseStatus) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		return false
	}
	e.fired = true
	e.status = status
	for _, ch := range e.subs {
		ch <- status
		close(ch)
	}
	e.subs = nil
	close(e.done)
	return true
}

func (e *closeEvent) get() (CloseStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.fired
}

func (e *closeEvent) subscribe() <-chan CloseStatus {
	ch := make(chan CloseStatus, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		ch <- e.status
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// CloseStatus returns a channel that yields the connection's close status
// exactly once and is then closed. The status comes from the first close
// frame sent or received; a connection that ends without one reports
// CloseAbnormalClosure.
func (c *Conn) CloseStatus() <-chan CloseStatus {
	return c.closeEvt.subscribe()
}

// WaitCloseStatus blocks until the close status is known or ctx is done.
func (c *Conn) WaitCloseStatus(ctx context.Context) (CloseStatus, error) {
	select {
	case <-c.closeEvt.done:
		status, _ := c.closeEvt.get()
		return status, nil
	case <-ctx.Done():
		return CloseStatus{}, ctx.Err()
	}
}

// SetPingHandler sets the handler ReadMessage calls for pings that were not
// answered automatically. The default ignores them. Set handlers before
// reading.
func (c *Conn) SetPingHandler(h func(appData []byte) error) {
	c.pingHandler = h
}

// SetPongHandler sets the handler ReadMessage calls for pongs. The default
// ignores them.
func (c *Conn) SetPongHandler(h func(appData []byte) error) {
	c.pongHandler = h
}

// WritePing sends a ping carrying appData.
func (c *Conn) WritePing(appData []byte) error {
	return c.writeControl(OpPing, appData, time.Time{})
}

// WriteControl writes a control frame with the given write deadline.
// A zero deadline leaves the current one in place. Close frames go through
// the close handshake.
func (c *Conn) WriteControl(op Opcode, data []byte, deadline time.Time) error {
	if !op.IsControl() {
		return ErrInvalidControlFrame
	}
	if len(data) > maxControlFramePayloadSize {
		return ErrControlFramePayloadTooBig
	}
	if op == OpClose {
		status, err := parseClosePayload(data)
		if err != nil {
			return err
		}
		return c.writeClose(status)
	}
	return c.writeControl(op, data, deadline)
}

func (c *Conn) writeControl(op Opcode, data []byte, deadline time.Time) error {
	if len(data) > maxControlFramePayloadSize {
		return ErrControlFramePayloadTooBig
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !deadline.IsZero() && c.netConn != nil {
		if err := c.netConn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = c.netConn.SetWriteDeadline(time.Time{}) }()
	}
	return c.writeFrameLocked(Frame{Opcode: op, Fin: true, Payload: data})
}

// WriteClose starts the close handshake. The reason must be valid UTF-8 of
// at most 123 bytes. Only the first close frame is sent; later calls are
// no-ops.
func (c *Conn) WriteClose(code int, reason string) error {
	if !isValidSendCloseCode(code) {
		return ErrInvalidCloseCode
	}
	if code == CloseNoStatusReceived {
		reason = ""
	}
	if len(reason) > maxCloseReasonSize {
		return ErrControlFramePayloadTooBig
	}
	if !utf8.ValidString(reason) {
		return ErrInvalidClosePayload
	}
	return c.writeClose(CloseStatus{Code: code, Reason: reason})
}

func (c *Conn) writeClose(status CloseStatus) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeCloseLocked(status)
}

// writeCloseLocked sends the close frame and completes the handshake when
// the peer's close was already received. Callers hold writeMu.
func (c *Conn) writeCloseLocked(status CloseStatus) error {
	if err := c.life.writeErr(); err != nil {
		if errors.Is(err, ErrCloseSent) {
			return nil
		}
		return err
	}
	if c.netConn != nil && c.cfg.CloseTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.CloseTimeout))
	}

	if err := c.fr.writeFrame(NewCloseFrame(status.Code, status.Reason)); err != nil {
		return c.writeFailed(err)
	}
	c.countFrame(c.tel.framesWritten, OpClose)

	c.closeEvt.fire(status)
	if c.life.markCloseSent() {
		c.terminate(StateClosed, status, ErrCloseSent)
	}
	return nil
}

// handleCloseFrame processes the peer's close frame and echoes it unless
// a close was already sent. Callers hold readMu.
func (c *Conn) handleCloseFrame(f Frame) error {
	status, err := parseClosePayload(f.Payload)
	if err != nil {
		return c.readFailed(newProtocolError(CloseProtocolError, err))
	}

	c.closeEvt.fire(status)
	c.readErr = &CloseError{Code: status.Code, Text: status.Reason}
	if c.life.markCloseReceived() {
		c.terminate(StateClosed, status, ErrCloseSent)
		return c.readErr
	}

	// The status is known already; a failed echo only changes the final state.
	_ = c.writeClose(status)
	return c.readErr
}

// Shutdown performs the close handshake: it sends a close frame and waits
// for the peer's close until ctx is done, or for CloseTimeout when ctx has
// no deadline. When no other goroutine is reading, incoming data frames are
// discarded while waiting. On timeout the connection is aborted.
func (c *Conn) Shutdown(ctx context.Context, code int, reason string) error {
	if err := c.WriteClose(code, reason); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CloseTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		c.terminate(StateAborted, CloseStatus{Code: CloseAbnormalClosure}, ErrAborted)
	})
	defer stop()

	if c.readMu.TryLock() {
		for {
			if _, err := c.nextFrame(); err != nil {
				break
			}
		}
		c.readMu.Unlock()
	}

	select {
	case <-c.life.done:
	case <-ctx.Done():
	}
	if c.life.get() == StateClosed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.life.cause()
}
