package metrics

import "github.com/prometheus/client_golang/prometheus"

// Результаты прогона очистки для метки result.
const (
	PurgeResultOK    = "ok"
	PurgeResultError = "error"
)

// RetentionMetrics — метрики очистки просроченных записей возобновления и завершённых оформлений.
type RetentionMetrics struct {
	runs       *prometheus.CounterVec
	purged     prometheus.Counter
	lastPurged prometheus.Gauge
}

// NewRetentionMetricsWithRegisterer создаёт метрики очистки в указанном реестре.
func NewRetentionMetricsWithRegisterer(registerer prometheus.Registerer) *RetentionMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RetentionMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "batik_session_purge_runs_total",
			Help: "Total number of checkout record purge runs grouped by result.",
		}, []string{"result"}),
		purged: registerCounter(registerer, prometheus.CounterOpts{
			Name: "batik_session_purged_total",
			Help: "Total number of purged expired payment session records and finished checkout flows.",
		}),
		lastPurged: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "batik_session_purge_last_removed",
			Help: "Number of records removed during the last purge run.",
		}),
	}
}

// RecordRun учитывает прогон очистки; removed учитывается только для успешного прогона.
func (m *RetentionMetrics) RecordRun(result string, removed int64) {
	m.runs.WithLabelValues(result).Inc()
	if result != PurgeResultOK {
		return
	}
	m.lastPurged.Set(float64(removed))
	if removed > 0 {
		m.purged.Add(float64(removed))
	}
}
