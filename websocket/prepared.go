package websocket

import (
	"sync"
)

// PreparedMessage caches the encoded form of a message sent to many
// connections. Server frames are cached whole; client frames need a fresh
// mask per write, so only the (compressed) payload is cached for them.
type PreparedMessage struct {
	opcode Opcode
	data   []byte

	mu     sync.Mutex
	frames map[prepareKey][]byte
}

type prepareKey struct {
	isServer bool
	compress bool
	level    int
}

// NewPreparedMessage returns a PreparedMessage for a text or binary payload.
func NewPreparedMessage(op Opcode, data []byte) (*PreparedMessage, error) {
	if !op.IsData() {
		return nil, ErrInvalidMessageType
	}
	return &PreparedMessage{
		opcode: op,
		data:   data,
		frames: make(map[prepareKey][]byte),
	}, nil
}

// frame returns the cached frame for key: wire bytes for servers, the
// frame payload for clients.
func (pm *PreparedMessage) frame(key prepareKey) (Frame, []byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	f := Frame{Opcode: pm.opcode, Fin: true}
	if key.compress {
		f.Rsv = Rsv1
	}
	if cached, ok := pm.frames[key]; ok {
		if key.isServer {
			return f, cached, nil
		}
		f.Payload = cached
		return f, nil, nil
	}

	f.Payload = pm.data
	if key.compress {
		compressed, err := compressData(pm.data, key.level)
		if err != nil {
			return Frame{}, nil, err
		}
		f.Payload = compressed
	}

	if !key.isServer {
		pm.frames[key] = f.Payload
		return f, nil, nil
	}
	wire := encodeFrame(f, true)
	pm.frames[key] = wire
	return f, wire, nil
}

// WritePreparedMessage writes pm to the connection.
func (c *Conn) WritePreparedMessage(pm *PreparedMessage) error {
	if err := c.lockMessage(); err != nil {
		return err
	}
	defer c.unlockMessage()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.life.writeErr(); err != nil {
		return err
	}

	key := prepareKey{isServer: c.isServer}
	if c.compressWrite && c.writeCompress {
		key.compress = true
		key.level = c.compressionLevel
	}
	f, wire, err := pm.frame(key)
	if err != nil {
		return err
	}
	if wire == nil {
		return c.writeFrameLocked(f)
	}
	if _, err := c.rwc.Write(wire); err != nil {
		return c.writeFailed(err)
	}
	c.countFrame(c.tel.framesWritten, f.Opcode)
	return nil
}
