package rdma

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Logger provides debug logging hooks for the transport.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to progress spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap progress engine activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records progress engine lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures transport telemetry events.
type MetricHook interface {
	ProgressStarted(attrs map[string]string)
	ProgressStopped(attrs map[string]string)
	CompletionQueueError(kind string, err error, attrs map[string]string)
	HandshakeCompleted(status string, attrs map[string]string)
	SendQueued(attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

const (
	labelDriver    = "driver"
	labelDevice    = "device"
	labelNode      = "node"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

// Stats contains counters for transport operations.
type Stats struct {
	SendPosted         uint64
	SendQueued         uint64
	SendCompleted      uint64
	SendErrored        uint64
	ReceiveCompleted   uint64
	ReceiveErrored     uint64
	HandshakesAccepted uint64
	HandshakesRejected uint64
	HandshakesFailed   uint64
	DeviceFailures     uint64
}

type contextStats struct {
	sendPosted         atomic.Uint64
	sendQueued         atomic.Uint64
	sendCompleted      atomic.Uint64
	sendErrored        atomic.Uint64
	recvCompleted      atomic.Uint64
	recvErrored        atomic.Uint64
	handshakesAccepted atomic.Uint64
	handshakesRejected atomic.Uint64
	handshakesFailed   atomic.Uint64
	deviceFailures     atomic.Uint64
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (x *Context) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelDriver] = DriverName
	if x.nodeName != "" {
		attrs[labelNode] = x.nodeName
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (x *Context) logProgressEvent(event string, fields ...logField) {
	if x == nil {
		return
	}
	if x.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		x.structuredLogger.Debugw("rdma progress", kv...)
		return
	}
	if x.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	x.logger.Debugf("rdma progress %s", b.String())
}

func (x *Context) logf(format string, args ...any) {
	if x == nil || x.logger == nil {
		return
	}
	x.logger.Debugf(format, args...)
}

// recordFailure logs and traces a failure seen by the progress engine.
// Counting it is left to the caller's metric hook.
func (x *Context) recordFailure(span Span, event string, err error, fields ...logField) {
	if err == nil {
		return
	}
	fields = append(fields, logKV("error", err))
	x.logProgressEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
}

func (x *Context) metricCQError(kind string, err error, fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.CompletionQueueError(kind, err, x.metricAttrs(fields...))
}

func (x *Context) metricProgressStarted(fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.ProgressStarted(x.metricAttrs(fields...))
}

func (x *Context) metricProgressStopped(fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.ProgressStopped(x.metricAttrs(fields...))
}

func (x *Context) metricHandshake(status ConnStatus, fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.HandshakeCompleted(status.String(), x.metricAttrs(fields...))
}

func (x *Context) metricSendQueued(fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.SendQueued(x.metricAttrs(fields...))
}

func (x *Context) metricSendCompleted(fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.SendCompleted(x.metricAttrs(fields...))
}

func (x *Context) metricSendFailed(err error, fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.SendFailed(err, x.metricAttrs(fields...))
}

func (x *Context) metricReceiveCompleted(fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.ReceiveCompleted(x.metricAttrs(fields...))
}

func (x *Context) metricReceiveFailed(err error, fields ...logField) {
	if x == nil || x.metrics == nil {
		return
	}
	x.metrics.ReceiveFailed(err, x.metricAttrs(fields...))
}

func (x *Context) startProgressSpan() Span {
	if x == nil || x.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "rdma-transport"},
		{Key: labelDriver, Value: DriverName},
		{Key: "context", Value: x.id.String()},
	}
	if x.nodeName != "" {
		attrs = append(attrs, TraceAttribute{Key: labelNode, Value: x.nodeName})
	}
	return x.tracer.StartSpan("rdma-progress", attrs...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
