package websocket

import (
	"crypto/rand"
	"io"
)

var randReader io.Reader = rand.Reader

// newMaskKey returns a fresh masking key, RFC 6455 section 5.3.
func newMaskKey() [4]byte {
	var key [4]byte
	_, _ = io.ReadFull(randReader, key[:])
	return key
}

// maskBytes applies XOR masking to data per RFC 6455, section 5.3.
// The 4-byte key is applied cyclically starting at pos; the returned value
// is the position to continue from.
func maskBytes(key [4]byte, pos int, data []byte) int {
	for i := range data {
		data[i] ^= key[(pos+i)&3]
	}
	return (pos + len(data)) & 3
}
