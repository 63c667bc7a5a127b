package retention

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/metrics"
)

const defaultPurgeInterval = 10 * time.Minute

// Purger удаляет просроченные записи оформления и возвращает их число.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgerFunc позволяет использовать функцию как Purger.
type PurgerFunc func(ctx context.Context) (int64, error)

// PurgeExpired вызывает f.
func (f PurgerFunc) PurgeExpired(ctx context.Context) (int64, error) {
	return f(ctx)
}

// Chain объединяет очистки в одну. nil-значения пропускаются, ошибка одной очистки
// не останавливает остальные. Без единой очистки возвращает nil.
func Chain(purgers ...Purger) Purger {
	active := make([]Purger, 0, len(purgers))
	for _, p := range purgers {
		if p != nil {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil
	}

	return PurgerFunc(func(ctx context.Context) (int64, error) {
		var (
			total int64
			errs  []error
		)
		for _, p := range active {
			removed, err := p.PurgeExpired(ctx)
			total += removed
			if err != nil {
				errs = append(errs, err)
			}
		}
		return total, errors.Join(errs...)
	})
}

// Options задаёт параметры воркера очистки.
type Options struct {
	Logger   *log.Entry
	Interval time.Duration
	Metrics  *metrics.RetentionMetrics
}

// Option настраивает PurgeWorker.
type Option func(*Options)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между прогонами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithMetrics подключает prometheus-метрики очистки.
func WithMetrics(m *metrics.RetentionMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// PurgeWorker периодически удаляет записи возобновления старше TTL хранилища
// (PostgreSQL не истекает их сам) и завершённые оформления из памяти менеджера.
type PurgeWorker struct {
	purger   Purger
	logger   *log.Entry
	interval time.Duration
	metrics  *metrics.RetentionMetrics
}

// NewPurgeWorker создаёт воркер очистки.
func NewPurgeWorker(purger Purger, options ...Option) *PurgeWorker {
	opts := Options{Interval: defaultPurgeInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout-purge-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPurgeInterval
	}

	return &PurgeWorker{
		purger:   purger,
		logger:   logger,
		interval: opts.Interval,
		metrics:  opts.Metrics,
	}
}

// Run выполняет очистку сразу и затем по тикеру до отмены ctx.
func (w *PurgeWorker) Run(ctx context.Context) {
	if w.purger == nil {
		w.logger.Debug("purge worker is disabled: nothing to purge")
		return
	}

	w.PurgeOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce выполняет один прогон и возвращает число удалённых записей.
func (w *PurgeWorker) PurgeOnce(ctx context.Context) int64 {
	removed, err := w.purger.PurgeExpired(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		w.record(metrics.PurgeResultError, 0)
		w.logger.WithError(err).Warn("purge expired checkout records failed")
		return 0
	}

	w.record(metrics.PurgeResultOK, removed)
	if removed > 0 {
		w.logger.WithField("removed", removed).Info("expired checkout records purged")
	}
	return removed
}

func (w *PurgeWorker) record(result string, removed int64) {
	if w.metrics != nil {
		w.metrics.RecordRun(result, removed)
	}
}
