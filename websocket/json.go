package websocket

import (
	"encoding/json"
	"io"
)

// WriteJSON writes the JSON encoding of v as a text message.
func (c *Conn) WriteJSON(v any) error {
	w, err := c.NextWriter(OpText)
	if err != nil {
		return err
	}
	err = json.NewEncoder(w).Encode(v)
	if closeErr := w.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// ReadJSON decodes the next message into the value pointed to by v,
// streaming it from the transport. An empty message is io.ErrUnexpectedEOF.
func (c *Conn) ReadJSON(v any) error {
	_, r, err := c.NextReader()
	if err != nil {
		return err
	}
	if err = json.NewDecoder(r).Decode(v); err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
