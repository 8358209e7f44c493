package rdma

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelDriver: DriverName,
		labelNode:   "node0",
	}
	metrics.ProgressStarted(base)
	metrics.ProgressStopped(base)

	devAttrs := map[string]string{
		labelDriver: DriverName,
		labelNode:   "node0",
		labelDevice: "rdma0",
	}
	metrics.CompletionQueueError("cq_error", errors.New("boom"), devAttrs)
	metrics.HandshakeCompleted(ConnRejected.String(), devAttrs)
	metrics.SendQueued(devAttrs)
	metrics.SendCompleted(devAttrs)
	metrics.SendFailed(errors.New("fail"), devAttrs)
	metrics.ReceiveCompleted(devAttrs)
	metrics.ReceiveFailed(errors.New("rfail"), devAttrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"rdma.progress.started":   1,
		"rdma.progress.stopped":   1,
		"rdma.progress.cq_errors": 1,
		"rdma.handshakes":         1,
		"rdma.send.queued":        1,
		"rdma.send.completed":     1,
		"rdma.send.failed":        1,
		"rdma.receive.completed":  1,
		"rdma.receive.failed":     1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
