package rdma

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	progressStarted  *prometheus.CounterVec
	progressStopped  *prometheus.CounterVec
	cqError          *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	sendQueued       *prometheus.CounterVec
	sendCompleted    *prometheus.CounterVec
	sendFailed       *prometheus.CounterVec
	receiveCompleted *prometheus.CounterVec
	receiveFailed    *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Collectors already registered on the Registerer are reused, so several
// Contexts may share one registry.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		progressStarted:  counter("rdma_progress_started_total", "Number of times the progress engine started", progressLabelKeys),
		progressStopped:  counter("rdma_progress_stopped_total", "Number of times the progress engine stopped", progressLabelKeys),
		cqError:          counter("rdma_cq_errors_total", "Number of completion queue and mailbox failures surfaced by the progress engine", cqErrorLabelKeys),
		handshakes:       counter("rdma_handshakes_total", "Number of finished connection handshakes by outcome", handshakeLabelKeys),
		sendQueued:       counter("rdma_send_queued_total", "Number of sends queued for lack of credits", deviceLabelKeys),
		sendCompleted:    counter("rdma_send_completed_total", "Number of successful send completions", deviceLabelKeys),
		sendFailed:       counter("rdma_send_failed_total", "Number of failed sends", deviceLabelKeys),
		receiveCompleted: counter("rdma_receive_completed_total", "Number of messages delivered to endpoints", deviceLabelKeys),
		receiveFailed:    counter("rdma_receive_failed_total", "Number of inbound messages that could not be delivered", deviceLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.progressStarted,
		&p.progressStopped,
		&p.cqError,
		&p.handshakes,
		&p.sendQueued,
		&p.sendCompleted,
		&p.sendFailed,
		&p.receiveCompleted,
		&p.receiveFailed,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var (
	progressLabelKeys  = []string{labelDriver, labelNode}
	cqErrorLabelKeys   = []string{labelDriver, labelNode, labelDevice, labelKind}
	handshakeLabelKeys = []string{labelDriver, labelNode, labelDevice, labelStatus}
	deviceLabelKeys    = []string{labelDriver, labelNode, labelDevice}
)

func (p *PrometheusMetrics) ProgressStarted(attrs map[string]string) {
	p.progressStarted.With(labels(attrs, progressLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProgressStopped(attrs map[string]string) {
	p.progressStopped.With(labels(attrs, progressLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionQueueError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, cqErrorLabelKeys...)
	labs[labelKind] = kind
	p.cqError.With(labs).Inc()
}

func (p *PrometheusMetrics) HandshakeCompleted(status string, attrs map[string]string) {
	labs := labels(attrs, handshakeLabelKeys...)
	labs[labelStatus] = status
	p.handshakes.With(labs).Inc()
}

func (p *PrometheusMetrics) SendQueued(attrs map[string]string) {
	p.sendQueued.With(labels(attrs, deviceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, deviceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, deviceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, deviceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, deviceLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
