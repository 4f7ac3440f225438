package websocket

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Upgrader upgrades HTTP server connections to the WebSocket protocol.
// The zero value is usable and applies DefaultServerConfig.
type Upgrader struct {
	// Config holds protocol settings. Nil means DefaultServerConfig(). A
	// config that fails Validate refuses every handshake with status 500;
	// start from DefaultServerConfig when building one by hand.
	Config *ServerConfig

	// Error generates HTTP error responses. Nil means http.Error.
	Error func(w http.ResponseWriter, r *http.Request, status int, reason error)

	// CheckOrigin returns true if the request Origin header is acceptable.
	// Nil rejects cross-origin requests.
	CheckOrigin func(r *http.Request) bool

	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	telOnce sync.Once
	tel     *telemetry
}

func (u *Upgrader) telemetry() *telemetry {
	u.telOnce.Do(func() {
		u.tel = newTelemetry(u.Logger, u.TracerProvider, u.MeterProvider)
	})
	return u.tel
}

func (u *Upgrader) config() *ServerConfig {
	if u.Config != nil {
		return u.Config
	}
	return DefaultServerConfig()
}

func (u *Upgrader) returnError(w http.ResponseWriter, r *http.Request, resp *HandshakeResponse, err *HandshakeError) {
	if resp != nil {
		for k, vs := range resp.Header {
			w.Header()[k] = vs
		}
	}
	if u.Error != nil {
		u.Error(w, r, err.StatusCode, err)
		return
	}
	// Server-side failures keep their details in the log.
	if err.StatusCode >= http.StatusInternalServerError {
		http.Error(w, http.StatusText(err.StatusCode), err.StatusCode)
		return
	}
	http.Error(w, err.Error(), err.StatusCode)
}

// Upgrade performs the server side of the opening handshake, RFC 6455
// section 4.2.2. On failure an HTTP error response has been written and
// the returned error is a *HandshakeError. responseHeader adds headers to
// the 101 response; it cannot override the handshake headers.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (conn *Conn, err error) {
	tel := u.telemetry()
	_, span := tel.tracer.Start(r.Context(), spanServerHandshake, trace.WithSpanKind(trace.SpanKindServer))
	defer func() { endSpan(span, err) }()

	fail := func(resp *HandshakeResponse, he *HandshakeError) (*Conn, error) {
		add(tel.handshakeFailures, attribute.String(attrRole, roleName(true)))
		tel.logger.Info("websocket handshake refused",
			zap.Int("status", he.StatusCode),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(he),
		)
		u.returnError(w, r, resp, he)
		return nil, he
	}

	cfg := u.config()
	if err := cfg.Validate(); err != nil {
		return fail(nil, &HandshakeError{StatusCode: http.StatusInternalServerError, Reason: "server config", Err: err})
	}
	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		return fail(nil, &HandshakeError{StatusCode: http.StatusForbidden, Reason: "origin not allowed"})
	}

	resp, neg, err := NegotiateServer(r, cfg)
	if err != nil {
		return fail(resp, handshakeError(err))
	}
	if neg.Rejected != nil {
		tel.logger.Info("websocket extension not negotiated", zap.Error(neg.Rejected))
		span.AddEvent(eventExtensionRejected, trace.WithAttributes(attribute.String(attrReason, neg.Rejected.Reason)))
	}

	h, ok := w.(http.Hijacker)
	if !ok {
		return fail(nil, &HandshakeError{
			StatusCode: http.StatusInternalServerError,
			Reason:     "response does not implement http.Hijacker",
		})
	}
	netConn, brw, err := h.Hijack()
	if err != nil {
		return fail(nil, &HandshakeError{StatusCode: http.StatusInternalServerError, Reason: "hijack failed", Err: err})
	}

	if cfg.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	if err := writeHandshakeResponse(brw.Writer, resp, responseHeader); err != nil {
		netConn.Close()
		add(tel.handshakeFailures, attribute.String(attrRole, roleName(true)))
		return nil, &HandshakeError{Reason: "write response", Err: err}
	}
	if cfg.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	conn = newConnFromBufio(netConn, brw, true, cfg.ConnConfig, neg, tel)
	span.SetAttributes(
		attribute.String(attrConnID, conn.ID()),
		attribute.String(attrSubprotocol, conn.Subprotocol()),
		attribute.Bool(attrCompression, neg.Compression),
	)
	return conn, nil
}

func writeHandshakeResponse(buf *bufio.Writer, resp *HandshakeResponse, extra http.Header) error {
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	h := resp.Header.Clone()
	for k, vs := range extra {
		if _, exists := h[http.CanonicalHeaderKey(k)]; exists {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if err := h.Write(buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	return buf.Flush()
}

// newConnFromBufio builds an open Conn over a connection whose handshake
// went through a buffered reader, keeping any bytes read ahead.
func newConnFromBufio(netConn net.Conn, brw *bufio.ReadWriter, isServer bool, cfg ConnConfig, neg *Negotiated, tel *telemetry) *Conn {
	p := connParams{
		rwc:         netConn,
		netConn:     netConn,
		isServer:    isServer,
		cfg:         cfg,
		subprotocol: neg.Subprotocol,
		deflate:     neg.deflate,
		tel:         tel,
	}
	if brw != nil && brw.Reader.Buffered() > 0 {
		p.br = brw.Reader
	}
	c := newConn(p)
	c.open()
	return c
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
}

// IsHandshakeError reports whether err came from a failed opening handshake.
func IsHandshakeError(err error) bool {
	return errors.Is(err, ErrBadHandshake)
}
