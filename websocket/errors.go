package websocket

import (
	"errors"
	"strconv"
	"strings"
)

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
	CloseTLSHandshake            = 1015
)

// Errors returned by the websocket package.
var (
	ErrBadHandshake            = errors.New("websocket: bad handshake")
	ErrInvalidConfig           = errors.New("websocket: invalid config")
	ErrCloseSent               = errors.New("websocket: close sent")
	ErrAborted                 = errors.New("websocket: connection aborted")
	ErrTransportAbort          = errors.New("websocket: transport closed without close frame")
	ErrInvalidMessageType      = errors.New("websocket: invalid message type")
	ErrInvalidControlFrame     = errors.New("websocket: invalid control frame")
	ErrInvalidCloseCode        = errors.New("websocket: invalid close code")
	ErrWriteToClosedConnection = errors.New("websocket: write to closed connection")

	// Frame-level protocol violations. They reach the caller wrapped in a *ProtocolError.
	ErrReservedBits              = errors.New("websocket: reserved bits set")
	ErrInvalidOpcode             = errors.New("websocket: invalid opcode")
	ErrFragmentedControlFrame    = errors.New("websocket: fragmented control frame")
	ErrControlFramePayloadTooBig = errors.New("websocket: control frame payload too big")
	ErrFrameTooLarge             = errors.New("websocket: frame payload exceeds limit")
	ErrMessageTooBig             = errors.New("websocket: message exceeds limit")
	ErrUnexpectedContinuation    = errors.New("websocket: unexpected continuation frame")
	ErrExpectedContinuation      = errors.New("websocket: expected continuation frame")
	ErrMaskRequired              = errors.New("websocket: client frame is not masked")
	ErrMaskUnexpected            = errors.New("websocket: server frame is masked")
	ErrInvalidLength             = errors.New("websocket: invalid payload length")
	ErrInvalidClosePayload       = errors.New("websocket: invalid close frame payload")
	ErrInvalidCompressedData     = errors.New("websocket: invalid compressed payload")
)

// CloseError is returned by read methods once the peer's close frame was
// received. It marks a clean end of stream.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return "websocket: close " + closeCodeString(e.Code) + " " + e.Text
}

func closeCodeString(code int) string {
	switch code {
	case CloseNormalClosure:
		return "1000 (normal)"
	case CloseGoingAway:
		return "1001 (going away)"
	case CloseProtocolError:
		return "1002 (protocol error)"
	case CloseUnsupportedData:
		return "1003 (unsupported data)"
	case CloseNoStatusReceived:
		return "1005 (no status)"
	case CloseAbnormalClosure:
		return "1006 (abnormal closure)"
	case CloseInvalidFramePayloadData:
		return "1007 (invalid payload)"
	case ClosePolicyViolation:
		return "1008 (policy violation)"
	case CloseMessageTooBig:
		return "1009 (message too big)"
	case CloseMandatoryExtension:
		return "1010 (mandatory extension)"
	case CloseInternalServerErr:
		return "1011 (internal server error)"
	case CloseServiceRestart:
		return "1012 (service restart)"
	case CloseTryAgainLater:
		return "1013 (try again later)"
	case CloseTLSHandshake:
		return "1015 (TLS handshake)"
	default:
		return strconv.Itoa(code)
	}
}

// ProtocolError reports a frame-level violation by the peer or a local
// limit being exceeded. It is terminal for the connection.
type ProtocolError struct {
	// Code is the close code sent to the peer.
	Code int
	Err  error
}

func newProtocolError(code int, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

func (e *ProtocolError) Error() string {
	return e.Err.Error() + " (close " + strconv.Itoa(e.Code) + ")"
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HandshakeError reports a failed opening handshake. No frames are
// exchanged on a connection whose handshake failed.
type HandshakeError struct {
	// StatusCode is the HTTP status sent (server) or received (client), or 0.
	StatusCode int
	Reason     string
	Err        error
}

func (e *HandshakeError) Error() string {
	var b strings.Builder
	b.WriteString("websocket: bad handshake")
	if e.StatusCode != 0 {
		b.WriteString(" (status ")
		b.WriteString(strconv.Itoa(e.StatusCode))
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrBadHandshake
}

// SubprotocolError reports a subprotocol that could not be agreed on.
// An empty Actual means no protocol was selected.
type SubprotocolError struct {
	Actual   string
	Expected []string
}

func (e *SubprotocolError) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "null"
	}
	return "invalid subprotocol, actual: " + actual + ", expected one of: " + strings.Join(e.Expected, ",")
}

// ExtensionError reports an extension offer or response that could not be
// honored. It never fails a handshake; the connection continues without
// the extension.
type ExtensionError struct {
	Extension string
	Reason    string
}

func (e *ExtensionError) Error() string {
	return "websocket: extension " + e.Extension + " not negotiated: " + e.Reason
}
