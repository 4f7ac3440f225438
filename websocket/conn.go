package websocket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrInvalidUTF8 is wrapped in a *ProtocolError when a text message is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8 in text message")

// Conn is a WebSocket connection after a successful opening handshake.
//
// One goroutine may read (ReadFrame, ReadMessage, ReadJSON) while any
// number of goroutines write; frames are serialized on a single writer
// path. Close may be called from any goroutine.
type Conn struct {
	id          string
	rwc         io.ReadWriteCloser
	netConn     net.Conn
	isServer    bool
	subprotocol string
	extensions  string

	cfg      ConnConfig
	fr       *framer
	life     *lifecycle
	closeEvt *closeEvent
	tel      *telemetry
	log      *zap.Logger
	roleAttr attribute.KeyValue
	disposed atomic.Bool

	// Read side, owned by the goroutine holding readMu.
	readMu      sync.Mutex
	readErr     error
	agg         messageAggregator
	reader      *messageReader
	inflater    *inflater
	pingHandler func(appData []byte) error
	pongHandler func(appData []byte) error

	// msgSlot keeps the frames of one application message together; writeMu
	// guards the wire so control frames can go out between fragments but
	// never inside a frame.
	msgSlot          chan struct{}
	writeMu          sync.Mutex
	compressWrite    bool
	writeCompress    bool
	compressionLevel int
}

type connParams struct {
	rwc     io.ReadWriteCloser
	netConn net.Conn
	// br reads the stream when the handshake left bytes buffered; defaults to rwc.
	br          io.Reader
	isServer    bool
	cfg         ConnConfig
	subprotocol string
	deflate     deflateNegotiation
	tel         *telemetry
}

func newConn(p connParams) *Conn {
	if p.tel == nil {
		p.tel = newTelemetry(nil, nil, nil)
	}
	br := p.br
	if br == nil {
		br = bufio.NewReaderSize(p.rwc, p.cfg.ReadBufferSize)
	}

	id := uuid.Must(uuid.NewV7()).String()
	role := roleName(p.isServer)
	c := &Conn{
		id:               id,
		rwc:              p.rwc,
		netConn:          p.netConn,
		isServer:         p.isServer,
		subprotocol:      p.subprotocol,
		cfg:              p.cfg,
		life:             newLifecycle(),
		closeEvt:         newCloseEvent(),
		tel:              p.tel,
		log:              p.tel.logger.With(zap.String("conn_id", id), zap.String("role", role)),
		roleAttr:         attribute.String(attrRole, role),
		agg:              messageAggregator{limit: p.cfg.messageLimit()},
		msgSlot:          make(chan struct{}, 1),
		writeCompress:    true,
		compressionLevel: p.cfg.CompressionLevel,
	}
	c.fr = newFramer(br, p.rwc, p.isServer, p.cfg.MaxFramePayloadLength, p.cfg.WriteBufferSize)

	if p.deflate.enabled {
		c.fr.allowedRsv = Rsv1
		c.inflater = &inflater{takeover: p.deflate.peerTakeover}
		c.compressWrite = p.deflate.write
		c.extensions = extPermessageDeflate
	}
	return c
}

// open finishes the handshake phase. Frames may flow afterwards.
func (c *Conn) open() {
	c.life.open()
	c.log.Debug("websocket connection open",
		zap.String("subprotocol", c.subprotocol),
		zap.Bool("compression", c.inflater != nil),
	)
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Subprotocol returns the negotiated subprotocol, or "" when none was selected.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Extensions returns the negotiated extension name, or "".
func (c *Conn) Extensions() string {
	return c.extensions
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return c.life.get()
}

// Done is closed once the connection reaches StateClosed or StateAborted.
func (c *Conn) Done() <-chan struct{} {
	return c.life.done
}

// LocalAddr returns the local network address, or nil if not available.
func (c *Conn) LocalAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote network address, or nil if not available.
func (c *Conn) RemoteAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.RemoteAddr()
	}
	return nil
}

// UnderlyingConn returns the underlying net.Conn, or nil.
func (c *Conn) UnderlyingConn() net.Conn {
	return c.netConn
}

// SetReadDeadline sets the read deadline on the underlying network connection.
// A read that times out terminates the connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.netConn != nil {
		return c.netConn.SetReadDeadline(t)
	}
	return nil
}

// SetWriteDeadline sets the write deadline on the underlying network connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	if c.netConn != nil {
		return c.netConn.SetWriteDeadline(t)
	}
	return nil
}

// EnableWriteCompression toggles compression of outgoing messages when
// permessage-deflate was negotiated.
func (c *Conn) EnableWriteCompression(enable bool) {
	c.writeMu.Lock()
	c.writeCompress = enable
	c.writeMu.Unlock()
}

// SetCompressionLevel sets the DEFLATE level (-2 to 9) for outgoing messages.
func (c *Conn) SetCompressionLevel(level int) error {
	if level < minCompressionLevel || level > maxCompressionLevel {
		return errors.New("websocket: invalid compression level")
	}
	c.writeMu.Lock()
	c.compressionLevel = level
	c.writeMu.Unlock()
	return nil
}

// Close disposes of the connection without a close handshake. Pending and
// future reads and writes fail with ErrAborted. Closing a connection that
// completed its close handshake is a no-op.
func (c *Conn) Close() error {
	c.disposed.Store(true)
	c.terminate(StateAborted, CloseStatus{Code: CloseAbnormalClosure}, ErrAborted)
	return nil
}

// terminate moves to a terminal state once, fires the close status if
// nothing fired yet and releases the transport.
func (c *Conn) terminate(to State, status CloseStatus, cause error) {
	if !c.life.finish(to, cause) {
		return
	}
	c.closeEvt.fire(status)
	_ = c.rwc.Close()

	if to == StateAborted {
		add(c.tel.aborts, c.roleAttr)
		c.log.Debug("websocket connection aborted", zap.Error(cause))
		return
	}
	final, _ := c.closeEvt.get()
	c.log.Debug("websocket connection closed",
		zap.Int("close_code", final.Code),
		zap.String("close_reason", final.Reason),
	)
}

func (c *Conn) countFrame(counter metric.Int64Counter, op Opcode) {
	add(counter, c.roleAttr, attribute.String(attrOpcode, op.String()))
}

// ReadFrame returns the next frame without reassembly. Pongs, and pings
// when HandlePing is off, are returned as frames. A fragmented compressed
// message is returned as one final frame because it can only be inflated
// whole. After the peer's close frame ReadFrame returns *CloseError.
func (c *Conn) ReadFrame() (Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.releaseReader(); err != nil {
		return Frame{}, err
	}
	for {
		f, err := c.nextFrame()
		if err != nil {
			return Frame{}, err
		}
		if f.Opcode.IsControl() {
			return f, nil
		}

		if (f.Opcode.IsData() && f.Rsv&Rsv1 != 0) || (f.Opcode == OpContinuation && c.agg.active && c.agg.compressed) {
			msg, _, done, err := c.agg.push(f)
			if err != nil {
				return Frame{}, c.readFailed(err)
			}
			if !done {
				continue
			}
			payload, err := c.inflate(msg.Payload)
			if err != nil {
				return Frame{}, c.readFailed(err)
			}
			return Frame{Opcode: msg.Type, Fin: true, Payload: payload}, nil
		}

		if err := c.agg.track(f); err != nil {
			return Frame{}, c.readFailed(err)
		}
		return f, nil
	}
}

// ReadMessage returns the next complete message. Control frames that are
// not handled automatically go to the ping and pong handlers.
func (c *Conn) ReadMessage() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.releaseReader(); err != nil {
		return Message{}, err
	}
	for {
		f, err := c.nextDataFrame()
		if err != nil {
			return Message{}, err
		}

		msg, compressed, done, err := c.agg.push(f)
		if err != nil {
			return Message{}, c.readFailed(err)
		}
		if !done {
			continue
		}
		if compressed {
			if msg.Payload, err = c.inflate(msg.Payload); err != nil {
				return Message{}, c.readFailed(err)
			}
		}
		if msg.Type == OpText && !utf8.Valid(msg.Payload) {
			return Message{}, c.readFailed(newProtocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8))
		}
		return msg, nil
	}
}

// nextFrame reads frames until one must be handed to the caller. Pings are
// answered here when HandlePing is set, and close frames end the stream.
// Callers hold readMu.
func (c *Conn) nextFrame() (Frame, error) {
	if c.readErr != nil {
		return Frame{}, c.readErr
	}
	for {
		f, err := c.fr.readFrame()
		if err != nil {
			return Frame{}, c.readFailed(err)
		}
		c.countFrame(c.tel.framesRead, f.Opcode)

		switch f.Opcode {
		case OpPing:
			if !c.cfg.HandlePing {
				return f, nil
			}
			if err := c.writeControl(OpPong, f.Payload, time.Time{}); err != nil && !errors.Is(err, ErrCloseSent) {
				c.readErr = err
				return Frame{}, err
			}
		case OpClose:
			return Frame{}, c.handleCloseFrame(f)
		default:
			return f, nil
		}
	}
}

func (c *Conn) inflate(payload []byte) ([]byte, error) {
	if c.inflater == nil {
		return nil, newProtocolError(CloseProtocolError, ErrReservedBits)
	}
	return c.inflater.inflate(payload, c.cfg.messageLimit())
}

// readFailed classifies a read error, terminates the connection and
// records the error for later reads.
func (c *Conn) readFailed(err error) error {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		c.failProtocol(pe)
		c.readErr = pe
	case c.life.get().Terminal():
		// Disposed, or the writer side already failed.
		c.readErr = c.life.cause()
		if c.readErr == nil || errors.Is(c.readErr, ErrCloseSent) {
			c.readErr = fmt.Errorf("%w: %w", ErrTransportAbort, err)
		}
	case c.life.get() == StateClosingLocal:
		// The peer dropped the transport instead of echoing our close.
		c.readErr = fmt.Errorf("%w: %w", ErrTransportAbort, err)
		c.terminate(StateClosed, CloseStatus{Code: CloseAbnormalClosure}, ErrCloseSent)
	default:
		c.readErr = fmt.Errorf("%w: %w", ErrTransportAbort, err)
		c.log.Warn("websocket transport closed without close frame", zap.Error(err))
		c.terminate(StateAborted, CloseStatus{Code: CloseAbnormalClosure}, c.readErr)
	}
	if c.disposed.Load() {
		c.readErr = ErrAborted
	}
	return c.readErr
}

// failProtocol reports pe to the peer when the writer is free and aborts.
func (c *Conn) failProtocol(pe *ProtocolError) {
	add(c.tel.protocolErrors, c.roleAttr, attribute.Int(attrCloseCode, pe.Code))
	c.log.Warn("websocket protocol error", zap.Error(pe), zap.Int("close_code", pe.Code))

	status := CloseStatus{Code: pe.Code, Reason: truncateReason(errorReason(pe.Err))}
	if c.writeMu.TryLock() {
		_ = c.writeCloseLocked(status)
		c.writeMu.Unlock()
	}
	c.terminate(StateAborted, status, pe)
}

// WriteMessage writes a complete message, compressed when negotiated.
func (c *Conn) WriteMessage(op Opcode, data []byte) error {
	if !op.IsData() {
		return ErrInvalidMessageType
	}
	if err := c.lockMessage(); err != nil {
		return err
	}
	defer c.unlockMessage()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := Frame{Opcode: op, Fin: true, Payload: data}
	if c.compressWrite && c.writeCompress {
		compressed, err := compressData(data, c.compressionLevel)
		if err != nil {
			return err
		}
		f.Payload = compressed
		f.Rsv = Rsv1
	}
	return c.writeFrameLocked(f)
}

// WriteText writes a text message.
func (c *Conn) WriteText(text string) error {
	return c.WriteMessage(OpText, []byte(text))
}

// WriteFrame writes a single frame as given. Close frames go through the
// close handshake, so at most one is ever sent. RSV1 is accepted only when
// permessage-deflate was negotiated, and the caller must have compressed
// the payload.
func (c *Conn) WriteFrame(f Frame) error {
	if !f.Opcode.valid() {
		return ErrInvalidMessageType
	}
	if f.Rsv&^c.fr.allowedRsv != 0 || (f.Rsv != 0 && !f.Opcode.IsData()) {
		return ErrReservedBits
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return ErrFragmentedControlFrame
		}
		if len(f.Payload) > maxControlFramePayloadSize {
			return ErrControlFramePayloadTooBig
		}
	}

	switch f.Opcode {
	case OpClose:
		status, err := parseClosePayload(f.Payload)
		if err != nil {
			return err
		}
		return c.writeClose(status)
	case OpPing, OpPong:
		return c.writeControl(f.Opcode, f.Payload, time.Time{})
	}

	if err := c.lockMessage(); err != nil {
		return err
	}
	defer c.unlockMessage()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(f)
}

// lockMessage waits for the message slot. It gives up with the writer's
// error once the connection has terminated.
func (c *Conn) lockMessage() error {
	select {
	case c.msgSlot <- struct{}{}:
		return nil
	case <-c.life.done:
		if err := c.life.writeErr(); err != nil {
			return err
		}
		return ErrAborted
	}
}

func (c *Conn) unlockMessage() {
	<-c.msgSlot
}

// writeFrameLocked writes f on the wire. Callers hold writeMu.
func (c *Conn) writeFrameLocked(f Frame) error {
	if err := c.life.writeErr(); err != nil {
		return err
	}
	if err := c.fr.writeFrame(f); err != nil {
		return c.writeFailed(err)
	}
	c.countFrame(c.tel.framesWritten, f.Opcode)
	return nil
}

// writeFailed terminates the connection; a partially written frame
// leaves the stream unusable.
func (c *Conn) writeFailed(err error) error {
	if c.disposed.Load() {
		return ErrAborted
	}
	if c.life.get().Terminal() {
		if cause := c.life.cause(); cause != nil {
			return cause
		}
	}
	werr := fmt.Errorf("%w: %w", ErrTransportAbort, err)
	c.terminate(StateAborted, CloseStatus{Code: CloseAbnormalClosure}, werr)
	return werr
}

// NextWriter returns a writer for a message of type op. Each Write sends a
// fragment; Close sends the final frame. With compression active the
// message is buffered and sent as one compressed frame on Close. Other
// application writes wait until the writer is closed.
func (c *Conn) NextWriter(op Opcode) (io.WriteCloser, error) {
	if !op.IsData() {
		return nil, ErrInvalidMessageType
	}
	if err := c.lockMessage(); err != nil {
		return nil, err
	}
	if err := c.life.writeErr(); err != nil {
		c.unlockMessage()
		return nil, err
	}

	c.writeMu.Lock()
	compress := c.compressWrite && c.writeCompress
	c.writeMu.Unlock()
	return &messageWriter{c: c, opcode: op, compress: compress}, nil
}

type messageWriter struct {
	c        *Conn
	opcode   Opcode
	compress bool
	started  bool
	closed   bool
	buf      []byte
}

func (w *messageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriteToClosedConnection
	}
	if w.compress {
		w.buf = append(w.buf, p...)
		return len(p), nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.writeFragment(p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *messageWriter) writeFragment(p []byte, fin bool) error {
	f := Frame{Opcode: OpContinuation, Fin: fin, Payload: p}
	if !w.started {
		f.Opcode = w.opcode
		w.started = true
	}
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.writeFrameLocked(f)
}

func (w *messageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.c.unlockMessage()

	if !w.compress {
		return w.writeFragment(nil, true)
	}

	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	payload, err := compressData(w.buf, w.c.compressionLevel)
	if err != nil {
		return err
	}
	return w.c.writeFrameLocked(Frame{Opcode: w.opcode, Fin: true, Rsv: Rsv1, Payload: payload})
}
