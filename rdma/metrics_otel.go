package rdma

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	progressStarted  metric.Int64Counter
	progressStopped  metric.Int64Counter
	cqError          metric.Int64Counter
	handshakes       metric.Int64Counter
	sendQueued       metric.Int64Counter
	sendCompleted    metric.Int64Counter
	sendFailed       metric.Int64Counter
	receiveCompleted metric.Int64Counter
	receiveFailed    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/fabric-transport/rdma"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.progressStarted, "rdma.progress.started"},
		{&o.progressStopped, "rdma.progress.stopped"},
		{&o.cqError, "rdma.progress.cq_errors"},
		{&o.handshakes, "rdma.handshakes"},
		{&o.sendQueued, "rdma.send.queued"},
		{&o.sendCompleted, "rdma.send.completed"},
		{&o.sendFailed, "rdma.send.failed"},
		{&o.receiveCompleted, "rdma.receive.completed"},
		{&o.receiveFailed, "rdma.receive.failed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// ProgressStarted records that the progress engine has started executing.
func (o *OTelMetrics) ProgressStarted(attrs map[string]string) {
	o.progressStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ProgressStopped records that the progress engine has exited.
func (o *OTelMetrics) ProgressStopped(attrs map[string]string) {
	o.progressStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// CompletionQueueError counts completion queue and mailbox failures.
func (o *OTelMetrics) CompletionQueueError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelDeviceAttrs(attrs), attribute.String(labelKind, kind))
	o.cqError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// HandshakeCompleted counts finished handshakes by resulting connection status.
func (o *OTelMetrics) HandshakeCompleted(status string, attrs map[string]string) {
	attributes := append(otelDeviceAttrs(attrs), attribute.String(labelStatus, status))
	o.handshakes.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTelMetrics) SendQueued(attrs map[string]string) {
	o.sendQueued.Add(context.Background(), 1, metric.WithAttributes(otelDeviceAttrs(attrs)...))
}

func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelDeviceAttrs(attrs)...))
}

func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelDeviceAttrs(attrs)...))
}

func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelDeviceAttrs(attrs)...))
}

func (o *OTelMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	o.receiveFailed.Add(context.Background(), 1, metric.WithAttributes(otelDeviceAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelDriver, attrs[labelDriver]),
	}
	if v := attrs[labelNode]; v != "" {
		kvs = append(kvs, attribute.String(labelNode, v))
	}
	return kvs
}

func otelDeviceAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelDevice]; v != "" {
		kvs = append(kvs, attribute.String(labelDevice, v))
	}
	return kvs
}
