package websocket

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Constants used for tracing and metrics.
const (
	// Instrumentation scope name
	pkgName = "github.com/vitalvas/wsengine/websocket"
	// Instrumentation scope version
	pkgVersion = "0.1.0"

	namespace = "websocket"

	spanServerHandshake = namespace + ".server.handshake"
	spanClientHandshake = namespace + ".client.handshake"

	eventExtensionRejected = namespace + ".extension_rejected"

	attrRole        = namespace + ".role"
	attrConnID      = namespace + ".conn_id"
	attrSubprotocol = namespace + ".subprotocol"
	attrCompression = namespace + ".compression"
	attrOpcode      = namespace + ".opcode"
	attrCloseCode   = namespace + ".close_code"
	attrReason      = namespace + ".reason"

	metricFramesRead        = namespace + ".frames.read"
	metricFramesWritten     = namespace + ".frames.written"
	metricHandshakeFailures = namespace + ".handshake.failures"
	metricProtocolErrors    = namespace + ".protocol.errors"
	metricAborts            = namespace + ".connections.aborted"
)

func roleName(isServer bool) string {
	if isServer {
		return "server"
	}
	return "client"
}

// telemetry bundles the logger, tracer and instruments shared by a
// Upgrader or Dialer and the connections it creates.
type telemetry struct {
	logger *zap.Logger
	tracer trace.Tracer

	framesRead        metric.Int64Counter
	framesWritten     metric.Int64Counter
	handshakeFailures metric.Int64Counter
	protocolErrors    metric.Int64Counter
	aborts            metric.Int64Counter
}

// newTelemetry falls back to a no-op logger and the global otel providers
// for nil arguments. Instrument creation errors leave no-op instruments in place.
func newTelemetry(logger *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(pkgName, metric.WithInstrumentationVersion(pkgVersion))
	t := &telemetry{
		logger: logger,
		tracer: tp.Tracer(pkgName, trace.WithInstrumentationVersion(pkgVersion)),
	}
	t.framesRead = counter(meter, logger, metricFramesRead, "Frames read from peers", "{frame}")
	t.framesWritten = counter(meter, logger, metricFramesWritten, "Frames written to peers", "{frame}")
	t.handshakeFailures = counter(meter, logger, metricHandshakeFailures, "Failed opening handshakes", "{handshake}")
	t.protocolErrors = counter(meter, logger, metricProtocolErrors, "Connections failed by a protocol error", "{connection}")
	t.aborts = counter(meter, logger, metricAborts, "Connections aborted without a close handshake", "{connection}")
	return t
}

func counter(meter metric.Meter, logger *zap.Logger, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		logger.Warn("websocket: create counter", zap.String("name", name), zap.Error(err))
	}
	return c
}

func add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, codes.Ok.String())
	}
	span.End()
}
