package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultDialer is a dialer with all fields set to the default values.
var DefaultDialer = &Dialer{}

// Dialer contains options for connecting to a WebSocket server.
type Dialer struct {
	// Config holds protocol settings. Nil means DefaultClientConfig(). A
	// config that fails Validate fails DialContext before dialing.
	Config *ClientConfig

	// NetDialContext specifies the dial function for creating TCP connections.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig is used for wss:// URLs.
	TLSClientConfig *tls.Config

	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	telOnce sync.Once
	tel     *telemetry
}

func (d *Dialer) telemetry() *telemetry {
	d.telOnce.Do(func() {
		d.tel = newTelemetry(d.Logger, d.TracerProvider, d.MeterProvider)
	})
	return d.tel
}

func (d *Dialer) config() *ClientConfig {
	if d.Config != nil {
		return d.Config
	}
	return DefaultClientConfig()
}

// Dial creates a new client connection to the WebSocket server.
func (d *Dialer) Dial(urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, requestHeader)
}

// DialContext performs the client side of the opening handshake, RFC 6455
// section 4.1. The handshake is bounded by ctx and HandshakeTimeout. A
// failed handshake returns a *HandshakeError and, when the server answered,
// its response.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (conn *Conn, resp *http.Response, err error) {
	tel := d.telemetry()
	ctx, span := tel.tracer.Start(ctx, spanClientHandshake, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			add(tel.handshakeFailures, attribute.String(attrRole, roleName(false)))
			tel.logger.Info("websocket handshake failed", zap.String("url", urlStr), zap.Error(err))
		}
		endSpan(span, err)
	}()

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "invalid url", Err: err}
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, &HandshakeError{Reason: "bad scheme " + u.Scheme}
	}
	if u.Host == "" {
		return nil, nil, &HandshakeError{Reason: "empty host"}
	}

	hostPort := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "http":
			hostPort = net.JoinHostPort(u.Hostname(), "80")
		case "https":
			hostPort = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	cfg := d.config()
	if err := cfg.Validate(); err != nil {
		return nil, nil, &HandshakeError{Reason: "client config", Err: err}
	}
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	netConn, err := d.dial(ctx, u, hostPort)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "dial", Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	// Cancellation unblocks the handshake I/O below.
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Now())
	})

	conn, resp, err = d.doHandshake(netConn, u, requestHeader, cfg, tel)
	stopped := stop()
	if ctxErr := ctx.Err(); ctxErr != nil && (!stopped || err != nil) {
		conn = nil
		if err == nil {
			err = &HandshakeError{Reason: "handshake canceled", Err: ctxErr}
		} else {
			err = &HandshakeError{Reason: "handshake canceled", Err: fmt.Errorf("%w: %w", ctxErr, err)}
		}
	}
	if err != nil {
		netConn.Close()
		return nil, resp, err
	}

	_ = netConn.SetDeadline(time.Time{})
	conn.open()
	span.SetAttributes(
		attribute.String(attrConnID, conn.ID()),
		attribute.String(attrSubprotocol, conn.Subprotocol()),
		attribute.Bool(attrCompression, conn.Extensions() != ""),
	)
	return conn, resp, nil
}

func (d *Dialer) dial(ctx context.Context, u *url.URL, hostPort string) (net.Conn, error) {
	dial := d.NetDialContext
	if dial == nil {
		var dialer net.Dialer
		dial = dialer.DialContext
	}
	netConn, err := dial(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return netConn, nil
	}

	tlsConfig := d.TLSClientConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = u.Hostname()
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// doHandshake writes the upgrade request and validates the response.
func (d *Dialer) doHandshake(netConn net.Conn, u *url.URL, requestHeader http.Header, cfg *ClientConfig, tel *telemetry) (*Conn, *http.Response, error) {
	challengeKey, err := newChallengeKey()
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "generate key", Err: err}
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, vs := range requestHeader {
		switch http.CanonicalHeaderKey(k) {
		case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version",
			"Sec-Websocket-Protocol", "Sec-Websocket-Extensions":
			return nil, nil, &HandshakeError{Reason: "duplicate header not allowed: " + k}
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if len(cfg.Protocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(cfg.Protocols, ", "))
	}
	if cfg.Compress {
		req.Header.Set("Sec-WebSocket-Extensions", clientDeflateOffer)
	}

	if err := req.Write(netConn); err != nil {
		return nil, nil, &HandshakeError{Reason: "write request", Err: err}
	}

	br := bufio.NewReaderSize(netConn, readBufferSize(cfg.ReadBufferSize))
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "read response", Err: err}
	}

	neg, err := negotiateClient(resp, challengeKey, cfg.Protocols, cfg.Compress)
	if err != nil {
		resp.Body.Close()
		return nil, resp, err
	}
	if neg.Rejected != nil {
		tel.logger.Info("websocket extension not negotiated", zap.Error(neg.Rejected))
	}

	conn := newConn(connParams{
		rwc:         netConn,
		netConn:     netConn,
		br:          br,
		isServer:    false,
		cfg:         cfg.ConnConfig,
		subprotocol: neg.Subprotocol,
		deflate:     neg.deflate,
		tel:         tel,
	})
	return conn, resp, nil
}

func readBufferSize(n int) int {
	if n <= 0 {
		return defaultReadBufferSize
	}
	return n
}
