package websocket

import (
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"
)

// maxCloseReasonSize is the room left for the reason in a close frame body.
const maxCloseReasonSize = maxControlFramePayloadSize - 2

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. CloseNoStatusReceived yields an empty body.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// IsCloseError returns true if the error is a CloseError with one of the specified codes.
func IsCloseError(err error, codes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return slices.Contains(codes, closeErr.Code)
}

// IsUnexpectedCloseError returns true if the error is a CloseError with a code
// NOT in the expected codes list.
func IsUnexpectedCloseError(err error, expectedCodes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !slices.Contains(expectedCodes, closeErr.Code)
}

// isValidSendCloseCode reports whether code may be sent by the application.
// CloseNoStatusReceived is accepted and produces a close frame without body.
func isValidSendCloseCode(code int) bool {
	return code == CloseNoStatusReceived || isValidReceivedCloseCode(code)
}

// errorReason turns an error into a close reason.
func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), "websocket: ")
}

// truncateReason cuts s to fit a close frame without splitting a rune.
func truncateReason(s string) string {
	if len(s) <= maxCloseReasonSize {
		return s
	}
	s = s[:maxCloseReasonSize]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
