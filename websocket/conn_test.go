package websocket

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockConn reads from a fixed input and records everything written.
type mockConn struct {
	in     *bytes.Reader
	out    bytes.Buffer
	mu     sync.Mutex
	closed bool
}

func (m *mockConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	return m.in.Read(p)
}

func (m *mockConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	return m.out.Write(p)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConn) written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.out.Bytes())
}

func testConnConfig() ConnConfig {
	cfg := defaultConnConfig()
	cfg.HandlePing = true
	return cfg
}

// peerFrames encodes frames the way the remote side of a conn would.
func peerFrames(isServer bool, frames ...Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, encodeFrame(f, !isServer)...)
	}
	return out
}

func newTestConn(t *testing.T, isServer bool, cfg ConnConfig, input []byte) (*Conn, *mockConn) {
	return newTestConnDeflate(t, isServer, cfg, deflateNegotiation{}, input)
}

func newTestConnDeflate(t *testing.T, isServer bool, cfg ConnConfig, deflate deflateNegotiation, input []byte) (*Conn, *mockConn) {
	t.Helper()
	mc := &mockConn{in: bytes.NewReader(input)}
	c := newConn(connParams{
		rwc:      mc,
		isServer: isServer,
		cfg:      cfg,
		deflate:  deflate,
		tel:      newTelemetry(zaptest.NewLogger(t), nil, nil),
	})
	c.open()
	return c, mc
}

// decodeFrames parses what a conn wrote, reading as its peer.
func decodeFrames(t *testing.T, isServer bool, data []byte) []Frame {
	t.Helper()
	fr := newFramer(bytes.NewReader(data), io.Discard, !isServer, 0, 0)
	fr.allowedRsv = Rsv1

	var frames []Frame
	for {
		f, err := fr.readFrame()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestConnMetadata(t *testing.T) {
	c, _ := newTestConn(t, true, testConnConfig(), nil)

	assert.Len(t, c.ID(), 36)
	assert.Equal(t, StateOpen, c.State())
	assert.Empty(t, c.Subprotocol())
	assert.Empty(t, c.Extensions())
	assert.Nil(t, c.LocalAddr())
	assert.Nil(t, c.RemoteAddr())
	assert.Nil(t, c.UnderlyingConn())
	assert.NoError(t, c.SetReadDeadline(time.Now()))
	assert.Error(t, c.SetCompressionLevel(10))
	assert.NoError(t, c.SetCompressionLevel(9))

	other, _ := newTestConn(t, true, testConnConfig(), nil)
	assert.NotEqual(t, c.ID(), other.ID())
}

func TestConnWriteMessage(t *testing.T) {
	tests := []struct {
		name     string
		isServer bool
	}{
		{"server", true},
		{"client", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mc := newTestConn(t, tt.isServer, testConnConfig(), nil)
			require.NoError(t, c.WriteText("hello"))
			require.NoError(t, c.WriteMessage(OpBinary, []byte{1, 2, 3}))
			assert.ErrorIs(t, c.WriteMessage(OpPing, nil), ErrInvalidMessageType)

			frames := decodeFrames(t, tt.isServer, mc.written())
			require.Len(t, frames, 2)
			assert.Equal(t, NewTextFrame("hello"), frames[0])
			assert.Equal(t, NewBinaryFrame([]byte{1, 2, 3}), frames[1])

			wire := mc.written()
			assert.Equal(t, !tt.isServer, wire[1]&maskBit != 0)
		})
	}
}

func TestConnReadFragmentedWithPing(t *testing.T) {
	input := peerFrames(true,
		Frame{Opcode: OpText, Payload: []byte("He")},
		NewPingFrame([]byte("p")),
		NewContinuationFrame([]byte("llo"), true),
	)
	c, mc := newTestConn(t, true, testConnConfig(), input)

	msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Message{Type: OpText, Payload: []byte("Hello")}, msg)

	frames := decodeFrames(t, true, mc.written())
	require.Len(t, frames, 1)
	assert.Equal(t, NewPongFrame([]byte("p")), frames[0])
}

func TestConnPingNotHandled(t *testing.T) {
	cfg := testConnConfig()
	cfg.HandlePing = false

	t.Run("read frame surfaces ping", func(t *testing.T) {
		input := peerFrames(false, NewPingFrame([]byte("abc")), NewTextFrame("x"))
		c, mc := newTestConn(t, false, cfg, input)

		f, err := c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, NewPingFrame([]byte("abc")), f)

		f, err = c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, NewTextFrame("x"), f)
		assert.Empty(t, mc.written())
	})

	t.Run("read message calls handlers", func(t *testing.T) {
		input := peerFrames(false, NewPingFrame([]byte("ping")), NewPongFrame([]byte("pong")), NewTextFrame("x"))
		c, mc := newTestConn(t, false, cfg, input)

		var got []string
		c.SetPingHandler(func(appData []byte) error {
			got = append(got, "ping:"+string(appData))
			return c.WriteControl(OpPong, appData, time.Now().Add(time.Second))
		})
		c.SetPongHandler(func(appData []byte) error {
			got = append(got, "pong:"+string(appData))
			return nil
		})

		msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "x", msg.Text())
		assert.Equal(t, []string{"ping:ping", "pong:pong"}, got)

		frames := decodeFrames(t, false, mc.written())
		require.Len(t, frames, 1)
		assert.Equal(t, NewPongFrame([]byte("ping")), frames[0])
	})
}

func TestConnReceiveClose(t *testing.T) {
	input := peerFrames(true, NewCloseFrame(ClosePolicyViolation, "something"))
	c, mc := newTestConn(t, true, testConnConfig(), input)
	statusCh := c.CloseStatus()

	_, err := c.ReadMessage()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClosePolicyViolation, ce.Code)
	assert.Equal(t, "something", ce.Text)
	assert.True(t, IsCloseError(err, ClosePolicyViolation))

	// The close is echoed with the same status.
	frames := decodeFrames(t, true, mc.written())
	require.Len(t, frames, 1)
	assert.Equal(t, NewCloseFrame(ClosePolicyViolation, "something"), frames[0])

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, CloseStatus{Code: ClosePolicyViolation, Reason: "something"}, <-statusCh)
	_, ok := <-statusCh
	assert.False(t, ok)

	// Late subscribers see the same status.
	assert.Equal(t, CloseStatus{Code: ClosePolicyViolation, Reason: "something"}, <-c.CloseStatus())

	_, err = c.ReadFrame()
	assert.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, c.WriteText("late"), ErrCloseSent)
	assert.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
}

func TestConnInvalidCloseFrame(t *testing.T) {
	input := peerFrames(true, Frame{Opcode: OpClose, Fin: true, Payload: []byte{0x03, 0xee}})
	c, mc := newTestConn(t, true, testConnConfig(), input)

	_, err := c.ReadMessage()
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CloseProtocolError, pe.Code)
	assert.ErrorIs(t, err, ErrInvalidCloseCode)
	assert.Equal(t, StateAborted, c.State())

	frames := decodeFrames(t, true, mc.written())
	require.Len(t, frames, 1)
	status, err := frames[0].CloseStatus()
	require.NoError(t, err)
	assert.Equal(t, CloseProtocolError, status.Code)
}

func TestConnWriteClose(t *testing.T) {
	t.Run("only first close is sent", func(t *testing.T) {
		c, mc := newTestConn(t, false, testConnConfig(), nil)
		require.NoError(t, c.WriteClose(CloseNormalClosure, "bye"))
		require.NoError(t, c.WriteClose(CloseGoingAway, "again"))
		assert.Equal(t, StateClosingLocal, c.State())

		frames := decodeFrames(t, false, mc.written())
		require.Len(t, frames, 1)
		assert.Equal(t, NewCloseFrame(CloseNormalClosure, "bye"), frames[0])

		assert.ErrorIs(t, c.WriteText("x"), ErrCloseSent)
		assert.ErrorIs(t, c.WritePing(nil), ErrCloseSent)
		assert.Equal(t, CloseStatus{Code: CloseNormalClosure, Reason: "bye"}, <-c.CloseStatus())
	})

	t.Run("no status", func(t *testing.T) {
		c, mc := newTestConn(t, false, testConnConfig(), nil)
		require.NoError(t, c.WriteClose(CloseNoStatusReceived, "ignored"))
		frames := decodeFrames(t, false, mc.written())
		require.Len(t, frames, 1)
		assert.Empty(t, frames[0].Payload)
	})

	tests := []struct {
		name   string
		code   int
		reason string
		err    error
	}{
		{"code below range", 999, "", ErrInvalidCloseCode},
		{"abnormal closure is local only", CloseAbnormalClosure, "", ErrInvalidCloseCode},
		{"tls handshake is local only", CloseTLSHandshake, "", ErrInvalidCloseCode},
		{"reserved code", 2000, "", ErrInvalidCloseCode},
		{"reason too long", CloseNormalClosure, strings.Repeat("a", 124), ErrControlFramePayloadTooBig},
		{"invalid utf-8", CloseNormalClosure, "\xff", ErrInvalidClosePayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mc := newTestConn(t, false, testConnConfig(), nil)
			assert.ErrorIs(t, c.WriteClose(tt.code, tt.reason), tt.err)
			assert.Empty(t, mc.written())
			assert.Equal(t, StateOpen, c.State())
		})
	}

	t.Run("reason at limit", func(t *testing.T) {
		c, _ := newTestConn(t, false, testConnConfig(), nil)
		assert.NoError(t, c.WriteClose(4000, strings.Repeat("a", 123)))
	})
}

func TestConnTransportEOF(t *testing.T) {
	t.Run("while open", func(t *testing.T) {
		c, _ := newTestConn(t, true, testConnConfig(), nil)

		_, err := c.ReadMessage()
		assert.ErrorIs(t, err, ErrTransportAbort)
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, StateAborted, c.State())
		assert.Equal(t, CloseStatus{Code: CloseAbnormalClosure}, <-c.CloseStatus())

		_, err = c.ReadMessage()
		assert.ErrorIs(t, err, ErrTransportAbort)
		assert.ErrorIs(t, c.WriteText("x"), ErrTransportAbort)
	})

	t.Run("mid frame", func(t *testing.T) {
		input := peerFrames(true, NewTextFrame("hello"))
		c, _ := newTestConn(t, true, testConnConfig(), input[:len(input)-2])

		_, err := c.ReadMessage()
		assert.ErrorIs(t, err, ErrTransportAbort)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("after close sent", func(t *testing.T) {
		c, _ := newTestConn(t, false, testConnConfig(), nil)
		require.NoError(t, c.WriteClose(CloseNormalClosure, ""))

		_, err := c.ReadMessage()
		assert.ErrorIs(t, err, ErrTransportAbort)
		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, CloseStatus{Code: CloseNormalClosure}, <-c.CloseStatus())
	})
}

func TestConnProtocolViolations(t *testing.T) {
	small := testConnConfig()
	small.MaxFramePayloadLength = 10

	bounded := testConnConfig()
	bounded.MaxFramePayloadLength = 10
	bounded.MaxMessageLength = 15

	tests := []struct {
		name  string
		cfg   ConnConfig
		input []byte
		code  int
		err   error
	}{
		{
			name:  "unmasked client frame",
			cfg:   testConnConfig(),
			input: encodeFrame(NewTextFrame("x"), true),
			code:  CloseProtocolError,
			err:   ErrMaskRequired,
		},
		{
			name:  "reserved bit without extension",
			cfg:   testConnConfig(),
			input: peerFrames(true, Frame{Opcode: OpText, Fin: true, Rsv: Rsv1, Payload: []byte("x")}),
			code:  CloseProtocolError,
			err:   ErrReservedBits,
		},
		{
			name:  "frame over limit",
			cfg:   small,
			input: peerFrames(true, NewTextFrame("12345678901")),
			code:  CloseMessageTooBig,
			err:   ErrFrameTooLarge,
		},
		{
			name: "message over limit",
			cfg:  bounded,
			input: peerFrames(true,
				Frame{Opcode: OpText, Payload: []byte("1234567890")},
				NewContinuationFrame([]byte("123456"), true),
			),
			code: CloseMessageTooBig,
			err:  ErrMessageTooBig,
		},
		{
			name:  "invalid utf-8",
			cfg:   testConnConfig(),
			input: peerFrames(true, Frame{Opcode: OpText, Fin: true, Payload: []byte{0xff, 0xfe}}),
			code:  CloseInvalidFramePayloadData,
			err:   ErrInvalidUTF8,
		},
		{
			name:  "continuation without start",
			cfg:   testConnConfig(),
			input: peerFrames(true, NewContinuationFrame([]byte("x"), true)),
			code:  CloseProtocolError,
			err:   ErrUnexpectedContinuation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mc := newTestConn(t, true, tt.cfg, tt.input)

			_, err := c.ReadMessage()
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, StateAborted, c.State())

			frames := decodeFrames(t, true, mc.written())
			require.Len(t, frames, 1)
			status, err := frames[0].CloseStatus()
			require.NoError(t, err)
			assert.Equal(t, tt.code, status.Code)
			assert.Equal(t, status, <-c.CloseStatus())

			_, err = c.ReadMessage()
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("frame at limit", func(t *testing.T) {
		c, _ := newTestConn(t, true, small, peerFrames(true, NewTextFrame("1234567890")))
		msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "1234567890", msg.Text())
	})
}

func TestConnClose(t *testing.T) {
	c, mc := newTestConn(t, true, testConnConfig(), nil)
	require.NoError(t, c.Close())

	assert.Equal(t, StateAborted, c.State())
	assert.True(t, mc.closed)
	assert.Empty(t, mc.written())

	_, err := c.ReadMessage()
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, c.WriteText("x"), ErrAborted)
	assert.Equal(t, CloseStatus{Code: CloseAbnormalClosure}, <-c.CloseStatus())

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.NoError(t, c.Close())
}

func TestConnNextWriter(t *testing.T) {
	c, mc := newTestConn(t, false, testConnConfig(), nil)

	w, err := c.NextWriter(OpText)
	require.NoError(t, err)
	_, err = w.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = w.Write(nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("cd"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrWriteToClosedConnection)

	frames := decodeFrames(t, false, mc.written())
	require.Len(t, frames, 3)
	assert.Equal(t, Frame{Opcode: OpText, Payload: []byte("ab")}, frames[0])
	assert.Equal(t, Frame{Opcode: OpContinuation, Payload: []byte("cd")}, frames[1])
	assert.Equal(t, OpContinuation, frames[2].Opcode)
	assert.True(t, frames[2].Fin)
	assert.Empty(t, frames[2].Payload)

	_, err = c.NextWriter(OpClose)
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestConnConcurrentWrites(t *testing.T) {
	c, mc := newTestConn(t, true, testConnConfig(), nil)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 100+i)
			if i%2 == 0 {
				assert.NoError(t, c.WriteMessage(OpBinary, payload))
				return
			}
			w, err := c.NextWriter(OpBinary)
			if !assert.NoError(t, err) {
				return
			}
			_, _ = w.Write(payload[:50])
			_, _ = w.Write(payload[50:])
			assert.NoError(t, w.Close())
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, c.WritePing([]byte("p")))
		}()
	}
	wg.Wait()

	// Pings may interleave with fragments, data frames may not.
	in, _ := newTestConn(t, false, testConnConfig(), mc.written())
	seen := make(map[byte]bool)
	for range writers {
		msg, err := in.ReadMessage()
		require.NoError(t, err)
		require.NotEmpty(t, msg.Payload)
		b := msg.Payload[0]
		assert.Len(t, msg.Payload, 100+int(b))
		assert.Equal(t, bytes.Repeat([]byte{b}, len(msg.Payload)), msg.Payload)
		seen[b] = true
	}
	assert.Len(t, seen, writers)
}

func TestConnWriteFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		err   error
	}{
		{"reserved opcode", Frame{Opcode: Opcode(0x3), Fin: true}, ErrInvalidMessageType},
		{"rsv1 without extension", Frame{Opcode: OpText, Fin: true, Rsv: Rsv1}, ErrReservedBits},
		{"rsv2", Frame{Opcode: OpBinary, Fin: true, Rsv: Rsv2}, ErrReservedBits},
		{"fragmented ping", Frame{Opcode: OpPing}, ErrFragmentedControlFrame},
		{"large pong", Frame{Opcode: OpPong, Fin: true, Payload: make([]byte, 126)}, ErrControlFramePayloadTooBig},
		{"close with bad code", Frame{Opcode: OpClose, Fin: true, Payload: []byte{0x03, 0xee}}, ErrInvalidCloseCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mc := newTestConn(t, true, testConnConfig(), nil)
			assert.ErrorIs(t, c.WriteFrame(tt.frame), tt.err)
			assert.Empty(t, mc.written())
		})
	}

	t.Run("raw frames", func(t *testing.T) {
		c, mc := newTestConn(t, true, testConnConfig(), nil)
		require.NoError(t, c.WriteFrame(Frame{Opcode: OpText, Payload: []byte("a")}))
		require.NoError(t, c.WriteFrame(NewPingFrame([]byte("p"))))
		require.NoError(t, c.WriteFrame(NewContinuationFrame([]byte("b"), true)))
		require.NoError(t, c.WriteFrame(NewCloseFrame(CloseGoingAway, "")))
		assert.Equal(t, StateClosingLocal, c.State())

		frames := decodeFrames(t, true, mc.written())
		require.Len(t, frames, 4)
		assert.Equal(t, OpText, frames[0].Opcode)
		assert.Equal(t, OpPing, frames[1].Opcode)
		assert.Equal(t, OpContinuation, frames[2].Opcode)
		assert.Equal(t, NewCloseFrame(CloseGoingAway, ""), frames[3])
	})

	t.Run("write control", func(t *testing.T) {
		c, _ := newTestConn(t, true, testConnConfig(), nil)
		assert.ErrorIs(t, c.WriteControl(OpText, nil, time.Time{}), ErrInvalidControlFrame)
		assert.ErrorIs(t, c.WriteControl(OpPing, make([]byte, 126), time.Time{}), ErrControlFramePayloadTooBig)
		require.NoError(t, c.WriteControl(OpClose, FormatCloseMessage(CloseNormalClosure, ""), time.Time{}))
		assert.Equal(t, StateClosingLocal, c.State())
	})
}

func TestConnCompression(t *testing.T) {
	deflate := deflateNegotiation{enabled: true, write: true}
	text := strings.Repeat("compressible text ", 20)

	t.Run("write", func(t *testing.T) {
		c, mc := newTestConnDeflate(t, false, testConnConfig(), deflate, nil)
		assert.Equal(t, extPermessageDeflate, c.Extensions())
		require.NoError(t, c.WriteText(text))

		c.EnableWriteCompression(false)
		require.NoError(t, c.WriteText("plain"))

		frames := decodeFrames(t, false, mc.written())
		require.Len(t, frames, 2)
		assert.Equal(t, Rsv1, frames[0].Rsv)
		assert.Less(t, len(frames[0].Payload), len(text))
		payload, err := decompressData(frames[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, text, string(payload))

		assert.Zero(t, frames[1].Rsv)
		assert.Equal(t, "plain", frames[1].Text())
	})

	t.Run("next writer sends one frame", func(t *testing.T) {
		c, mc := newTestConnDeflate(t, true, testConnConfig(), deflate, nil)
		w, err := c.NextWriter(OpText)
		require.NoError(t, err)
		_, _ = io.WriteString(w, text[:10])
		_, _ = io.WriteString(w, text[10:])
		require.NoError(t, w.Close())

		frames := decodeFrames(t, true, mc.written())
		require.Len(t, frames, 1)
		assert.True(t, frames[0].Fin)
		payload, err := decompressData(frames[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, text, string(payload))
	})

	compressed, err := compressData([]byte(text), defaultCompressionLevel)
	require.NoError(t, err)
	fragmented := peerFrames(true,
		Frame{Opcode: OpText, Rsv: Rsv1, Payload: compressed[:5]},
		NewPingFrame(nil),
		NewContinuationFrame(compressed[5:], true),
		NewTextFrame("after"),
	)

	t.Run("read message", func(t *testing.T) {
		c, _ := newTestConnDeflate(t, true, testConnConfig(), deflate, fragmented)
		msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, text, msg.Text())

		msg, err = c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "after", msg.Text())
	})

	t.Run("read frame coalesces compressed fragments", func(t *testing.T) {
		cfg := testConnConfig()
		cfg.HandlePing = false
		c, _ := newTestConnDeflate(t, true, cfg, deflate, fragmented)

		f, err := c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, OpPing, f.Opcode)

		f, err = c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, Frame{Opcode: OpText, Fin: true, Payload: []byte(text)}, f)

		f, err = c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, NewTextFrame("after"), f)
	})

	t.Run("decompressed size over limit", func(t *testing.T) {
		cfg := testConnConfig()
		cfg.MaxFramePayloadLength = 100
		input := peerFrames(true, Frame{Opcode: OpText, Fin: true, Rsv: Rsv1, Payload: compressed})
		c, _ := newTestConnDeflate(t, true, cfg, deflate, input)

		_, err := c.ReadMessage()
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, CloseMessageTooBig, pe.Code)
	})
}

func TestConnPreparedMessage(t *testing.T) {
	pm, err := NewPreparedMessage(OpText, []byte("broadcast"))
	require.NoError(t, err)

	_, err = NewPreparedMessage(OpPing, nil)
	assert.ErrorIs(t, err, ErrInvalidMessageType)

	for _, isServer := range []bool{true, false} {
		t.Run(roleName(isServer), func(t *testing.T) {
			c, mc := newTestConn(t, isServer, testConnConfig(), nil)
			require.NoError(t, c.WritePreparedMessage(pm))
			require.NoError(t, c.WritePreparedMessage(pm))

			frames := decodeFrames(t, isServer, mc.written())
			require.Len(t, frames, 2)
			for _, f := range frames {
				assert.Equal(t, NewTextFrame("broadcast"), f)
			}
		})
	}

	t.Run("compressed", func(t *testing.T) {
		c, mc := newTestConnDeflate(t, true, testConnConfig(), deflateNegotiation{enabled: true, write: true}, nil)
		require.NoError(t, c.WritePreparedMessage(pm))

		frames := decodeFrames(t, true, mc.written())
		require.Len(t, frames, 1)
		assert.Equal(t, Rsv1, frames[0].Rsv)
		payload, err := decompressData(frames[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, "broadcast", string(payload))
	})

	t.Run("after close", func(t *testing.T) {
		c, _ := newTestConn(t, true, testConnConfig(), nil)
		require.NoError(t, c.WriteClose(CloseNormalClosure, ""))
		assert.ErrorIs(t, c.WritePreparedMessage(pm), ErrCloseSent)
	})
}

func TestConnJSON(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	c, mc := newTestConn(t, false, testConnConfig(), peerFrames(false, NewTextFrame(`{"name":"in","count":2}`)))
	require.NoError(t, c.WriteJSON(payload{Name: "out", Count: 1}))

	in, _ := newTestConn(t, true, testConnConfig(), mc.written())
	msg, err := in.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"out","count":1}`, msg.Text())

	var got payload
	require.NoError(t, c.ReadJSON(&got))
	assert.Equal(t, payload{Name: "in", Count: 2}, got)

	fragmented := peerFrames(true,
		Frame{Opcode: OpText, Payload: []byte(`{"name":`)},
		NewContinuationFrame([]byte(`"split","count":3}`), true),
		NewTextFrame(""),
	)
	srv, _ := newTestConn(t, true, testConnConfig(), fragmented)
	require.NoError(t, srv.ReadJSON(&got))
	assert.Equal(t, payload{Name: "split", Count: 3}, got)
	assert.ErrorIs(t, srv.ReadJSON(&got), io.ErrUnexpectedEOF)
}

func TestConnShutdown(t *testing.T) {
	t.Run("peer echoes close", func(t *testing.T) {
		input := peerFrames(false, NewTextFrame("discarded"), NewCloseFrame(CloseNormalClosure, "bye"))
		c, mc := newTestConn(t, false, testConnConfig(), input)

		require.NoError(t, c.Shutdown(context.Background(), CloseNormalClosure, "bye"))
		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, CloseStatus{Code: CloseNormalClosure, Reason: "bye"}, <-c.CloseStatus())

		frames := decodeFrames(t, false, mc.written())
		require.Len(t, frames, 1)
		assert.Equal(t, NewCloseFrame(CloseNormalClosure, "bye"), frames[0])

		require.NoError(t, c.Shutdown(context.Background(), CloseNormalClosure, ""))
	})

	t.Run("invalid code", func(t *testing.T) {
		c, _ := newTestConn(t, false, testConnConfig(), nil)
		assert.ErrorIs(t, c.Shutdown(context.Background(), CloseAbnormalClosure, ""), ErrInvalidCloseCode)
		assert.Equal(t, StateOpen, c.State())
	})

	t.Run("peer never answers", func(t *testing.T) {
		local, remote := net.Pipe()
		t.Cleanup(func() { _ = remote.Close() })
		go func() { _, _ = io.Copy(io.Discard, remote) }()

		c := newConn(connParams{
			rwc:     local,
			netConn: local,
			cfg:     testConnConfig(),
			tel:     newTelemetry(zaptest.NewLogger(t), nil, nil),
		})
		c.open()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := c.Shutdown(ctx, CloseGoingAway, "")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateAborted, c.State())
		assert.Equal(t, CloseStatus{Code: CloseGoingAway}, <-c.CloseStatus())
	})
}

func TestConnWaitCloseStatus(t *testing.T) {
	c, _ := newTestConn(t, true, testConnConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.WaitCloseStatus(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _ = c.Close() }()
	status, err := c.WaitCloseStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CloseAbnormalClosure, status.Code)
	assert.Equal(t, "1006", status.String())
}

func TestConnCloseUnblocksWrites(t *testing.T) {
	t.Run("write in flight", func(t *testing.T) {
		local, remote := net.Pipe()
		t.Cleanup(func() { _ = remote.Close() })

		c := newConn(connParams{
			rwc:      local,
			netConn:  local,
			isServer: true,
			cfg:      testConnConfig(),
			tel:      newTelemetry(zaptest.NewLogger(t), nil, nil),
		})
		c.open()

		errCh := make(chan error, 1)
		go func() { errCh <- c.WriteMessage(OpBinary, make([]byte, 100*1024)) }()

		// Nobody reads remote, so the write stays blocked on the pipe.
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrAborted)
		case <-time.After(2 * time.Second):
			t.Fatal("write still blocked after Close")
		}
		assert.Equal(t, StateAborted, c.State())
	})

	pm, err := NewPreparedMessage(OpText, []byte("prepared"))
	require.NoError(t, err)

	queued := []struct {
		name  string
		write func(c *Conn) error
	}{
		{"WriteMessage", func(c *Conn) error { return c.WriteText("queued") }},
		{"WriteFrame", func(c *Conn) error { return c.WriteFrame(NewBinaryFrame([]byte{1})) }},
		{"WritePreparedMessage", func(c *Conn) error { return c.WritePreparedMessage(pm) }},
		{"NextWriter", func(c *Conn) error {
			_, err := c.NextWriter(OpBinary)
			return err
		}},
	}

	for _, tt := range queued {
		t.Run("queued behind open writer "+tt.name, func(t *testing.T) {
			c, mc := newTestConn(t, true, testConnConfig(), nil)

			w, err := c.NextWriter(OpText)
			require.NoError(t, err)
			_, err = w.Write([]byte("part"))
			require.NoError(t, err)

			errCh := make(chan error, 1)
			go func() { errCh <- tt.write(c) }()

			select {
			case err := <-errCh:
				t.Fatalf("write finished while another message was open: %v", err)
			case <-time.After(20 * time.Millisecond):
			}

			require.NoError(t, c.Close())
			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, ErrAborted)
			case <-time.After(2 * time.Second):
				t.Fatal("queued write still blocked after Close")
			}

			assert.ErrorIs(t, w.Close(), ErrAborted)
			_, err = c.NextWriter(OpText)
			assert.ErrorIs(t, err, ErrAborted)

			frames := decodeFrames(t, true, mc.written())
			require.Len(t, frames, 1)
			assert.Equal(t, OpText, frames[0].Opcode)
			assert.False(t, frames[0].Fin)
		})
	}
}

func TestConnNextReader(t *testing.T) {
	t.Run("streams fragments", func(t *testing.T) {
		input := peerFrames(true,
			Frame{Opcode: OpText, Payload: []byte("Hel")},
			NewPingFrame([]byte("p")),
			NewContinuationFrame([]byte("lo"), true),
		)
		c, mc := newTestConn(t, true, testConnConfig(), input)

		op, r, err := c.NextReader()
		require.NoError(t, err)
		assert.Equal(t, OpText, op)

		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(data))

		frames := decodeFrames(t, true, mc.written())
		require.Len(t, frames, 1)
		assert.Equal(t, OpPong, frames[0].Opcode)
		assert.Equal(t, "p", string(frames[0].Payload))
	})

	t.Run("next read skips the rest", func(t *testing.T) {
		input := peerFrames(true,
			Frame{Opcode: OpBinary, Payload: []byte("ab")},
			NewContinuationFrame([]byte("cd"), true),
			NewTextFrame("next"),
			NewTextFrame("last"),
		)
		c, _ := newTestConn(t, true, testConnConfig(), input)

		_, first, err := c.NextReader()
		require.NoError(t, err)
		buf := make([]byte, 1)
		n, err := first.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		op, second, err := c.NextReader()
		require.NoError(t, err)
		assert.Equal(t, OpText, op)
		_, err = first.Read(buf)
		assert.ErrorIs(t, err, ErrStaleReader)

		data, err := io.ReadAll(second)
		require.NoError(t, err)
		assert.Equal(t, "next", string(data))

		msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "last", msg.Text())
	})

	t.Run("compressed message", func(t *testing.T) {
		text := strings.Repeat("compressible text ", 20)
		compressed, err := compressData([]byte(text), defaultCompressionLevel)
		require.NoError(t, err)
		input := peerFrames(true,
			Frame{Opcode: OpText, Rsv: Rsv1, Payload: compressed[:5]},
			NewContinuationFrame(compressed[5:], true),
		)
		c, _ := newTestConnDeflate(t, true, testConnConfig(), deflateNegotiation{enabled: true}, input)

		op, r, err := c.NextReader()
		require.NoError(t, err)
		assert.Equal(t, OpText, op)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, text, string(data))
	})

	t.Run("rune split across fragments", func(t *testing.T) {
		word := []byte("héllo")
		input := peerFrames(true,
			Frame{Opcode: OpText, Payload: word[:2]},
			NewContinuationFrame(word[2:], true),
		)
		c, _ := newTestConn(t, true, testConnConfig(), input)

		_, r, err := c.NextReader()
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "héllo", string(data))
	})

	tests := []struct {
		name  string
		cfg   func(*ConnConfig)
		input []byte
		code  int
		err   error
	}{
		{
			name: "message limit",
			cfg:  func(cfg *ConnConfig) { cfg.MaxMessageLength = 4 },
			input: peerFrames(true,
				Frame{Opcode: OpBinary, Payload: []byte("abc")},
				NewContinuationFrame([]byte("de"), true),
			),
			code: CloseMessageTooBig,
			err:  ErrMessageTooBig,
		},
		{
			name: "invalid utf-8",
			input: peerFrames(true,
				Frame{Opcode: OpText, Payload: []byte("ok")},
				NewContinuationFrame([]byte{0xff}, true),
			),
			code: CloseInvalidFramePayloadData,
			err:  ErrInvalidUTF8,
		},
		{
			name: "data frame inside message",
			input: peerFrames(true,
				Frame{Opcode: OpText, Payload: []byte("ok")},
				NewTextFrame("interleaved"),
			),
			code: CloseProtocolError,
			err:  ErrExpectedContinuation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConnConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			c, mc := newTestConn(t, true, cfg, tt.input)

			_, r, err := c.NextReader()
			require.NoError(t, err)
			_, err = io.ReadAll(r)

			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, StateAborted, c.State())

			frames := decodeFrames(t, true, mc.written())
			require.Len(t, frames, 1)
			status, err := parseClosePayload(frames[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.code, status.Code)
		})
	}

	t.Run("unexpected continuation", func(t *testing.T) {
		c, _ := newTestConn(t, true, testConnConfig(), peerFrames(true, NewContinuationFrame([]byte("x"), true)))
		_, _, err := c.NextReader()
		assert.ErrorIs(t, err, ErrUnexpectedContinuation)
	})
}

func TestValidUTF8Fragment(t *testing.T) {
	euro := []byte("€")

	tests := []struct {
		name    string
		partial []byte
		p       []byte
		final   bool
		rest    []byte
		ok      bool
	}{
		{"ascii", nil, []byte("abc"), false, nil, true},
		{"incomplete rune kept", nil, append([]byte("a"), euro[:2]...), false, euro[:2], true},
		{"rune completed", euro[:2], euro[2:], true, nil, true},
		{"incomplete rune at end", nil, euro[:2], true, nil, false},
		{"invalid byte", nil, []byte{'a', 0xff}, false, nil, false},
		{"overlong", nil, []byte{0xc0, 0xaf}, false, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest, ok := validUTF8Fragment(tt.partial, tt.p, tt.final)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.rest, rest)
			}
		})
	}
}
