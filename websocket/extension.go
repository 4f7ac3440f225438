package websocket

import (
	"net/http"
	"strconv"
	"strings"
)

// Extension names and parameters, RFC 7692 section 7.
const (
	extPermessageDeflate  = "permessage-deflate"
	paramServerNoTakeover = "server_no_context_takeover"
	paramClientNoTakeover = "client_no_context_takeover"
	paramServerMaxWindow  = "server_max_window_bits"
	paramClientMaxWindow  = "client_max_window_bits"
	maxWindowBits         = 15
	minWindowBits         = 8
	clientDeflateOffer    = extPermessageDeflate + "; " + paramClientNoTakeover + "; " + paramClientMaxWindow
	serverDeflateResponse = extPermessageDeflate + "; " + paramServerNoTakeover + "; " + paramClientNoTakeover
)

type extensionParam struct {
	name  string
	value string
}

// extension is one element of a Sec-WebSocket-Extensions list, RFC 6455 section 9.1.
type extension struct {
	name   string
	params []extensionParam
}

// parseExtensions parses every Sec-WebSocket-Extensions header value.
func parseExtensions(header http.Header) []extension {
	var extensions []extension
	for _, h := range header.Values("Sec-WebSocket-Extensions") {
		for _, ext := range strings.Split(h, ",") {
			ext = strings.TrimSpace(ext)
			if ext == "" {
				continue
			}
			parts := strings.Split(ext, ";")
			e := extension{name: strings.ToLower(strings.TrimSpace(parts[0]))}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if param == "" {
					continue
				}
				p := extensionParam{name: param}
				if idx := strings.Index(param, "="); idx >= 0 {
					p.name = strings.TrimSpace(param[:idx])
					p.value = strings.Trim(strings.TrimSpace(param[idx+1:]), `"`)
				}
				p.name = strings.ToLower(p.name)
				e.params = append(e.params, p)
			}
			extensions = append(extensions, e)
		}
	}
	return extensions
}

// deflateParams holds the parameters of one permessage-deflate offer or response.
type deflateParams struct {
	serverNoTakeover bool
	clientNoTakeover bool
	serverMaxBits    int
	clientMaxBits    int
	// clientMaxBitsBare is set when client_max_window_bits came without a value.
	clientMaxBitsBare bool
}

func parseDeflateParams(e extension) (deflateParams, string) {
	var p deflateParams
	seen := make(map[string]bool, len(e.params))
	for _, param := range e.params {
		if seen[param.name] {
			return p, "duplicate parameter " + param.name
		}
		seen[param.name] = true

		switch param.name {
		case paramServerNoTakeover:
			if param.value != "" {
				return p, paramServerNoTakeover + " takes no value"
			}
			p.serverNoTakeover = true
		case paramClientNoTakeover:
			if param.value != "" {
				return p, paramClientNoTakeover + " takes no value"
			}
			p.clientNoTakeover = true
		case paramServerMaxWindow:
			bits, ok := parseWindowBits(param.value)
			if !ok {
				return p, "invalid " + paramServerMaxWindow + " value " + strconv.Quote(param.value)
			}
			p.serverMaxBits = bits
		case paramClientMaxWindow:
			if param.value == "" {
				p.clientMaxBitsBare = true
				continue
			}
			bits, ok := parseWindowBits(param.value)
			if !ok {
				return p, "invalid " + paramClientMaxWindow + " value " + strconv.Quote(param.value)
			}
			p.clientMaxBits = bits
		default:
			return p, "unknown parameter " + param.name
		}
	}
	return p, ""
}

func parseWindowBits(v string) (int, bool) {
	if v == "" || len(v) > 2 || v[0] == '0' {
		return 0, false
	}
	bits, err := strconv.Atoi(v)
	if err != nil || bits < minWindowBits || bits > maxWindowBits {
		return 0, false
	}
	return bits, true
}

// deflateNegotiation is the outcome of permessage-deflate negotiation for one side.
type deflateNegotiation struct {
	// enabled allows RSV1 on incoming frames.
	enabled bool
	// write allows compressing outgoing messages.
	write bool
	// peerTakeover is set when the peer keeps its window across messages.
	peerTakeover bool
	// response is the Sec-WebSocket-Extensions value a server answers with.
	response string
}

// negotiateDeflateServer selects the first acceptable permessage-deflate
// offer. The server never keeps context between messages and requires the
// same from the client, which RFC 7692 section 7.1.1.2 allows even when the
// client did not offer it. Offers the server cannot honor are skipped; the
// returned error describes the last rejected offer when none was accepted.
func negotiateDeflateServer(offers []extension) (deflateNegotiation, *ExtensionError) {
	var rejected *ExtensionError
	for _, offer := range offers {
		if offer.name != extPermessageDeflate {
			continue
		}
		params, reason := parseDeflateParams(offer)
		if reason != "" {
			rejected = &ExtensionError{Extension: extPermessageDeflate, Reason: reason}
			continue
		}
		if params.serverMaxBits != 0 && params.serverMaxBits < maxWindowBits {
			rejected = &ExtensionError{
				Extension: extPermessageDeflate,
				Reason:    paramServerMaxWindow + "=" + strconv.Itoa(params.serverMaxBits) + " is not supported",
			}
			continue
		}
		response := serverDeflateResponse
		if params.clientMaxBitsBare {
			response += "; " + paramClientMaxWindow + "=" + strconv.Itoa(maxWindowBits)
		}
		return deflateNegotiation{
			enabled:  true,
			write:    true,
			response: response,
		}, nil
	}
	return deflateNegotiation{}, rejected
}

// acceptDeflateClient validates the server's extension response against
// the offer a client sent.
func acceptDeflateClient(header http.Header, offered bool) (deflateNegotiation, *ExtensionError) {
	exts := parseExtensions(header)
	if len(exts) == 0 {
		return deflateNegotiation{}, nil
	}
	if !offered {
		return deflateNegotiation{}, &ExtensionError{Extension: exts[0].name, Reason: "not offered by client"}
	}
	if len(exts) > 1 {
		return deflateNegotiation{}, &ExtensionError{Extension: extPermessageDeflate, Reason: "server accepted more than one extension"}
	}
	if exts[0].name != extPermessageDeflate {
		return deflateNegotiation{}, &ExtensionError{Extension: exts[0].name, Reason: "not offered by client"}
	}

	params, reason := parseDeflateParams(exts[0])
	if reason == "" && params.clientMaxBitsBare {
		reason = paramClientMaxWindow + " requires a value in a response"
	}
	if reason != "" {
		return deflateNegotiation{}, &ExtensionError{Extension: extPermessageDeflate, Reason: reason}
	}

	n := deflateNegotiation{
		enabled:      true,
		write:        true,
		peerTakeover: !params.serverNoTakeover,
	}
	// The flate writer always uses a 15-bit window, so a smaller client
	// window leaves only the read side compressed.
	if params.clientMaxBits != 0 && params.clientMaxBits < maxWindowBits {
		n.write = false
	}
	return n, nil
}
