// Compression support for WebSocket permessage-deflate extension (RFC 7692).
// This extension uses the DEFLATE algorithm (RFC 1951) to compress message payloads.
package websocket

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// Compression level constants for DEFLATE (RFC 1951).
const (
	minCompressionLevel     = -2
	maxCompressionLevel     = 9
	defaultCompressionLevel = 1

	// maxWindowSize is the LZ77 window for 15 window bits.
	maxWindowSize = 1 << 15
)

var (
	// deflateTail is the empty stored block that ends every flushed message,
	// RFC 7692 section 7.2.1. Senders strip it and receivers put it back.
	deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

	// deflateFinal is a final empty stored block, appended so the reader
	// reports io.EOF instead of io.ErrUnexpectedEOF.
	deflateFinal = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

	flateWriterPools [maxCompressionLevel - minCompressionLevel + 1]sync.Pool
	flateReaderPool  sync.Pool
)

func getFlateWriter(w io.Writer, level int) *flate.Writer {
	if fw, ok := flateWriterPools[level-minCompressionLevel].Get().(*flate.Writer); ok {
		fw.Reset(w)
		return fw
	}
	fw, _ := flate.NewWriter(w, level)
	return fw
}

func putFlateWriter(fw *flate.Writer, level int) {
	flateWriterPools[level-minCompressionLevel].Put(fw)
}

func getFlateReader(r io.Reader, dict []byte) io.ReadCloser {
	if fr, ok := flateReaderPool.Get().(io.ReadCloser); ok {
		if resetter, ok := fr.(flate.Resetter); ok && resetter.Reset(r, dict) == nil {
			return fr
		}
	}
	return flate.NewReaderDict(r, dict)
}

func putFlateReader(fr io.ReadCloser) {
	flateReaderPool.Put(fr)
}

// compressData deflates one whole message without context takeover.
func compressData(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	fw := getFlateWriter(&buf, level)
	defer putFlateWriter(fw, level)

	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Flush(); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), deflateTail), nil
}

// inflater decompresses incoming messages. With takeover set the peer
// keeps its LZ77 window between messages, so the tail of the previous
// output is used as the preset dictionary.
type inflater struct {
	takeover bool
	window   []byte
}

// inflate decompresses one message. A positive limit caps the inflated size.
func (in *inflater) inflate(data []byte, limit int64) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(data), bytes.NewReader(deflateTail), bytes.NewReader(deflateFinal))
	fr := getFlateReader(src, in.window)
	defer putFlateReader(fr)

	var r io.Reader = fr
	if limit > 0 {
		r = io.LimitReader(fr, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, newProtocolError(CloseInvalidFramePayloadData, ErrInvalidCompressedData)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, newProtocolError(CloseMessageTooBig, ErrMessageTooBig)
	}

	if in.takeover {
		in.window = append(in.window, out...)
		if len(in.window) > maxWindowSize {
			in.window = append(in.window[:0:0], in.window[len(in.window)-maxWindowSize:]...)
		}
	}
	return out, nil
}

func decompressData(data []byte) ([]byte, error) {
	return (&inflater{}).inflate(data, 0)
}
