package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты проверки статуса платежа для метки result.
const (
	CheckResultSuccess  = "success"
	CheckResultPending  = "pending"
	CheckResultFailure  = "failure"
	CheckResultNotFound = "not_found"
	CheckResultError    = "error"
	CheckResultUnknown  = "unknown"
	CheckResultDropped  = "dropped"
)

// CheckoutMetrics содержит метрики оформления и оплаты.
type CheckoutMetrics struct {
	// Счётчики исходов оформления
	flowsStarted   prometheus.Counter
	flowsSucceeded prometheus.Counter
	flowsFailed    prometheus.Counter
	flowsErrored   prometheus.Counter
	flowsCanceled  prometheus.Counter
	flowsResumed   prometheus.Counter

	statusChecks        *prometheus.CounterVec
	reconciliationFails *prometheus.CounterVec

	flowDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	activeFlows prometheus.Gauge
}

// NewCheckoutMetrics создаёт метрики в реестре по умолчанию.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer создаёт метрики в указанном реестре.
// Уже зарегистрированные коллекторы переиспользуются.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		flowsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_checkout_started_total",
			Help: "Total number of checkout attempts started",
		}),
		flowsSucceeded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_checkout_succeeded_total",
			Help: "Total number of checkouts with confirmed payment",
		}),
		flowsFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_checkout_failed_total",
			Help: "Total number of checkouts rejected by the payment gateway",
		}),
		flowsErrored: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_checkout_errored_total",
			Help: "Total number of checkouts aborted during initialization",
		}),
		flowsCanceled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_checkout_canceled_total",
			Help: "Total number of checkouts canceled by the buyer",
		}),
		flowsResumed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_checkout_resumed_total",
			Help: "Total number of checkouts resumed from a stored payment session",
		}),
		statusChecks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "batik_payment_status_checks_total",
			Help: "Payment status checks by result",
		}, []string{"result"}),
		reconciliationFails: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "batik_reconciliation_step_failures_total",
			Help: "Failed post-payment reconciliation steps",
		}, []string{"step"}),
		flowDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "batik_checkout_duration_seconds",
			Help:    "Time from checkout start to a terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "batik_checkout_step_duration_seconds",
			Help:    "Duration of external calls made by the checkout orchestrator",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_timeline_events_total",
			Help: "Total number of checkout timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_outbox_events_total",
			Help: "Total number of checkout events enqueued to the outbox",
		}),
		activeFlows: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "batik_active_checkouts",
			Help: "Number of checkouts waiting for a terminal state",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordFlowStarted увеличивает счётчик начатых оформлений и число активных.
func (m *CheckoutMetrics) RecordFlowStarted() {
	m.flowsStarted.Inc()
	m.activeFlows.Inc()
}

// RecordFlowResumed увеличивает счётчик возобновлённых оформлений и число активных.
func (m *CheckoutMetrics) RecordFlowResumed() {
	m.flowsResumed.Inc()
	m.activeFlows.Inc()
}

// RecordFlowSucceeded фиксирует подтверждённую оплату.
func (m *CheckoutMetrics) RecordFlowSucceeded() {
	m.flowsSucceeded.Inc()
}

// RecordFlowFailed фиксирует отказ шлюза.
func (m *CheckoutMetrics) RecordFlowFailed() {
	m.flowsFailed.Inc()
}

// RecordFlowErrored фиксирует прерванную инициализацию.
func (m *CheckoutMetrics) RecordFlowErrored() {
	m.flowsErrored.Inc()
}

// RecordFlowCanceled фиксирует отмену покупателем.
func (m *CheckoutMetrics) RecordFlowCanceled() {
	m.flowsCanceled.Inc()
}

// RecordFlowFinished уменьшает число активных оформлений и записывает длительность попытки.
func (m *CheckoutMetrics) RecordFlowFinished(duration time.Duration) {
	m.activeFlows.Dec()
	m.flowDuration.Observe(duration.Seconds())
}

// RecordStatusCheck учитывает результат проверки статуса.
func (m *CheckoutMetrics) RecordStatusCheck(result string) {
	m.statusChecks.WithLabelValues(result).Inc()
}

// RecordReconciliationFailure учитывает неудачный шаг сверки.
func (m *CheckoutMetrics) RecordReconciliationFailure(step string) {
	m.reconciliationFails.WithLabelValues(step).Inc()
}

// RecordStepDuration записывает время внешнего вызова.
func (m *CheckoutMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *CheckoutMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *CheckoutMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
