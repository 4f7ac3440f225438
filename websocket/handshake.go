package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is appended to the client key to derive the accept
	// value, RFC 6455 section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the only protocol version spoken, RFC 6455 section 4.2.1, item 6.
	websocketVersion = "13"

	challengeKeySize = 16
)

// HandshakeResponse is the HTTP response a server answers an upgrade
// request with: 101 on success, an error status otherwise.
type HandshakeResponse struct {
	StatusCode int
	Header     http.Header
}

// Negotiated holds the outcome of a successful opening handshake.
type Negotiated struct {
	// Subprotocol is the selected subprotocol, or "".
	Subprotocol string
	// Compression is set when permessage-deflate is active.
	Compression bool
	// Rejected describes a compression offer that was not accepted.
	Rejected *ExtensionError

	deflate deflateNegotiation
}

// ComputeAcceptKey derives Sec-WebSocket-Accept from Sec-WebSocket-Key.
func ComputeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func newChallengeKey() (string, error) {
	key := make([]byte, challengeKeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func validChallengeKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == challengeKeySize
}

// SelectSubprotocol picks the subprotocol for a connection. The offered
// list is scanned in client order. A wildcard in supported accepts the
// first offer; an empty supported list selects nothing. When the client
// offered protocols and none is supported, a *SubprotocolError is returned.
func SelectSubprotocol(offered, supported []string) (string, error) {
	if len(supported) == 0 || len(offered) == 0 {
		return "", nil
	}
	if slices.Contains(supported, WildcardProtocol) {
		return offered[0], nil
	}
	for _, p := range offered {
		if slices.Contains(supported, p) {
			return p, nil
		}
	}
	return "", &SubprotocolError{Expected: slices.Clone(supported)}
}

// checkSelectedSubprotocol validates a server's choice against the client
// offer: it must be one of the offered protocols, or absent when nothing
// was offered.
func checkSelectedSubprotocol(offered []string, selected string) error {
	if len(offered) == 0 {
		if selected != "" {
			return &SubprotocolError{Actual: selected}
		}
		return nil
	}
	if selected == "" || !slices.Contains(offered, selected) {
		return &SubprotocolError{Actual: selected, Expected: slices.Clone(offered)}
	}
	return nil
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-WebSocket-Protocol header per RFC 6455, section 11.3.4.
func Subprotocols(r *http.Request) []string {
	return splitHeaderList(r.Header.Values("Sec-WebSocket-Protocol"))
}

func splitHeaderList(values []string) []string {
	var out []string
	for _, s := range values {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade request
// per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header.Values("Connection"), "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header.Values("Upgrade"), "websocket")
}

// NegotiateServer validates an upgrade request against cfg and builds the
// response. On failure the returned response carries the HTTP error status
// and the error is a *HandshakeError.
func NegotiateServer(r *http.Request, cfg *ServerConfig) (*HandshakeResponse, *Negotiated, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	refuse := func(status int, reason string, err error) (*HandshakeResponse, *Negotiated, error) {
		return &HandshakeResponse{StatusCode: status, Header: http.Header{}}, nil,
			&HandshakeError{StatusCode: status, Reason: reason, Err: err}
	}

	if r.Method != http.MethodGet {
		return refuse(http.StatusMethodNotAllowed, "request method is not GET", nil)
	}
	if !httpguts.HeaderValuesContainsToken(r.Header.Values("Connection"), "upgrade") {
		return refuse(http.StatusBadRequest, "'upgrade' token not found in 'Connection' header", nil)
	}
	if !httpguts.HeaderValuesContainsToken(r.Header.Values("Upgrade"), "websocket") {
		return refuse(http.StatusBadRequest, "'websocket' token not found in 'Upgrade' header", nil)
	}
	if r.Header.Get("Sec-WebSocket-Version") != websocketVersion {
		resp, neg, err := refuse(http.StatusUpgradeRequired, "unsupported version", nil)
		resp.Header.Set("Sec-WebSocket-Version", websocketVersion)
		return resp, neg, err
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if !validChallengeKey(key) {
		return refuse(http.StatusBadRequest, "'Sec-WebSocket-Key' is missing or malformed", nil)
	}

	subprotocol, err := SelectSubprotocol(Subprotocols(r), cfg.Protocols)
	if err != nil {
		return refuse(http.StatusBadRequest, "subprotocol not supported", err)
	}

	neg := &Negotiated{Subprotocol: subprotocol}
	if cfg.Compress {
		dn, rejected := negotiateDeflateServer(parseExtensions(r.Header))
		if rejected != nil && !dn.enabled {
			neg.Rejected = rejected
		}
		neg.deflate = dn
		neg.Compression = dn.enabled
	}

	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAcceptKey(key))
	if subprotocol != "" {
		h.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	if neg.deflate.enabled {
		h.Set("Sec-WebSocket-Extensions", neg.deflate.response)
	}
	return &HandshakeResponse{StatusCode: http.StatusSwitchingProtocols, Header: h}, neg, nil
}

// negotiateClient validates a server response to an upgrade request built
// with the given key, offered protocols and compression offer.
func negotiateClient(resp *http.Response, key string, offered []string, offeredDeflate bool) (*Negotiated, error) {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Reason: "unexpected response status " + resp.Status}
	}
	fail := func(reason string, err error) (*Negotiated, error) {
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Reason: reason, Err: err}
	}

	if !httpguts.HeaderValuesContainsToken(resp.Header.Values("Upgrade"), "websocket") {
		return fail("'websocket' token not found in 'Upgrade' header", nil)
	}
	if !httpguts.HeaderValuesContainsToken(resp.Header.Values("Connection"), "upgrade") {
		return fail("'upgrade' token not found in 'Connection' header", nil)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != ComputeAcceptKey(key) {
		return fail("mismatched 'Sec-WebSocket-Accept'", nil)
	}

	selected := splitHeaderList(resp.Header.Values("Sec-WebSocket-Protocol"))
	if len(selected) > 1 {
		return fail("more than one subprotocol selected", nil)
	}
	var subprotocol string
	if len(selected) == 1 {
		subprotocol = selected[0]
	}
	if err := checkSelectedSubprotocol(offered, subprotocol); err != nil {
		return fail("subprotocol mismatch", err)
	}

	neg := &Negotiated{Subprotocol: subprotocol}
	dn, rejected := acceptDeflateClient(resp.Header, offeredDeflate)
	if rejected != nil {
		neg.Rejected = rejected
	}
	neg.deflate = dn
	neg.Compression = dn.enabled
	return neg, nil
}

// handshakeError wraps err as a *HandshakeError unless it already is one.
func handshakeError(err error) *HandshakeError {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he
	}
	return &HandshakeError{Err: err}
}
