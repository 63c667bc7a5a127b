package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/metrics"
)

// verify выполняет одну проверку статуса. Вызывающий держит флаг verifying.
func (f *Flow) verify(ctx context.Context) {
	f.mu.Lock()
	if f.state != domain.StateAwaitingConfirmation || f.settled {
		f.mu.Unlock()
		return
	}
	orderID := f.order.OrderID
	f.mu.Unlock()

	logger := f.logger.WithField("order_id", orderID)

	start := time.Now()
	res, err := f.deps.Gateway.CheckStatus(ctx, orderID)
	f.observeStep(domain.StepCheckStatus, start)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			f.recordCheck(metrics.CheckResultNotFound)
			logger.Debug("transaction not registered by gateway yet, will retry")
			return
		}
		f.recordCheck(metrics.CheckResultError)
		logger.WithError(err).Warn("payment status check failed, will retry")
		return
	}

	switch res.Status.Outcome() {
	case domain.OutcomeSuccess:
		f.recordCheck(metrics.CheckResultSuccess)
		f.settle(ctx, res)
	case domain.OutcomePending:
		f.recordCheck(metrics.CheckResultPending)
		f.markPending(ctx, res)
	case domain.OutcomeFailure:
		f.recordCheck(metrics.CheckResultFailure)
		f.reject(ctx, res)
	default:
		f.recordCheck(metrics.CheckResultUnknown)
		logger.WithField("transaction_status", res.Status).Warn("unknown transaction status")
	}
}

// settle обрабатывает capture/settlement. Сверка выполняется не более одного раза:
// повторный успешный ответ отсекается флагом settled под блокировкой.
func (f *Flow) settle(ctx context.Context, res domain.StatusResult) {
	f.mu.Lock()
	if f.state != domain.StateAwaitingConfirmation || f.settled {
		f.mu.Unlock()
		f.logger.Debug("duplicate settlement suppressed")
		return
	}
	f.settled = true
	f.payment.Status = domain.SessionStatusSuccess
	poller := f.takePollerLocked()
	order := f.order
	f.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}

	f.logger.WithFields(log.Fields{
		"order_id":       order.OrderID,
		"payment_method": res.PaymentMethod,
	}).Info("payment settled")

	bg := context.WithoutCancel(ctx)
	f.reconcile(bg, order, res.PaymentMethod)
	f.dropResume(bg, order.OrderID)
	f.deps.Events.Record(f.id, order.OrderID, EventPaymentSettled, map[string]interface{}{
		"payment_method": res.PaymentMethod,
		"status":         string(res.Status),
		"total_amount":   f.total,
	})

	f.mu.Lock()
	if !f.closed {
		f.successTimer = time.AfterFunc(f.cfg.SuccessDisplayDelay, f.complete)
	}
	f.mu.Unlock()
}

// reconcile — три последовательных независимых шага после оплаты. Сбой шага не мешает следующим.
func (f *Flow) reconcile(ctx context.Context, order domain.OrderRef, paymentMethod string) {
	steps := []struct {
		step domain.CheckoutStep
		run  func(ctx context.Context) error
	}{
		{domain.StepMarkPaid, func(ctx context.Context) error {
			return f.deps.Store.UpdateOrderStatus(ctx, order.DBID, domain.OrderStatusPaid, paymentMethod)
		}},
		{domain.StepReduceStock, func(ctx context.Context) error {
			return f.deps.Store.ReduceStock(ctx, domain.StockReductions(f.items))
		}},
		{domain.StepClearCart, func(ctx context.Context) error {
			return f.deps.Store.ClearCart(ctx, f.buyerID)
		}},
	}

	for _, s := range steps {
		f.bestEffort(ctx, order.OrderID, s.step, s.run)
	}
}

// complete завершает оформление после паузы показа успеха.
func (f *Flow) complete() {
	f.mu.Lock()
	if f.closed || f.state != domain.StateAwaitingConfirmation || f.payment.Status != domain.SessionStatusSuccess {
		f.mu.Unlock()
		return
	}
	f.state = domain.StateSucceeded
	f.successTimer = nil
	confirmation := domain.Confirmation{
		OrderID:      f.order.OrderID,
		CustomerName: f.shipping.Name,
		TotalAmount:  f.total,
	}
	f.finishLocked()
	f.mu.Unlock()

	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowSucceeded()
	}
	f.logger.WithField("order_id", confirmation.OrderID).Info("checkout succeeded")
	f.deps.Navigator.ToConfirmation(confirmation)
}

// markPending сохраняет статус pending; ошибка только логируется.
func (f *Flow) markPending(ctx context.Context, res domain.StatusResult) {
	f.mu.Lock()
	if f.state != domain.StateAwaitingConfirmation || f.settled {
		f.mu.Unlock()
		return
	}
	order := f.order
	f.mu.Unlock()

	f.bestEffort(ctx, order.OrderID, domain.StepMarkPending, func(ctx context.Context) error {
		return f.deps.Store.UpdateOrderStatus(ctx, order.DBID, domain.OrderStatusPending, res.PaymentMethod)
	})
}

// reject обрабатывает deny/expire/cancel: останавливает опрос и сохраняет статус failed.
func (f *Flow) reject(ctx context.Context, res domain.StatusResult) {
	f.mu.Lock()
	if f.state != domain.StateAwaitingConfirmation || f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.payment.Status = domain.SessionStatusFailed
	poller := f.takePollerLocked()
	order := f.order
	f.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}

	bg := context.WithoutCancel(ctx)
	f.bestEffort(bg, order.OrderID, domain.StepMarkFailed, func(ctx context.Context) error {
		return f.deps.Store.UpdateOrderStatus(ctx, order.DBID, domain.OrderStatusFailed, res.PaymentMethod)
	})

	cause := fmt.Errorf("%w: %s", domain.ErrPaymentFailed, res.Status)
	f.mu.Lock()
	failed := f.state == domain.StateAwaitingConfirmation
	if failed {
		f.state = domain.StateFailed
		f.lastErr = cause
		f.finishLocked()
	}
	f.mu.Unlock()
	if !failed {
		return
	}

	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowFailed()
	}
	f.logger.WithField("order_id", order.OrderID).WithField("transaction_status", res.Status).Warn("payment failed")
	f.dropResume(bg, order.OrderID)
	f.deps.Events.Record(f.id, order.OrderID, EventPaymentFailed, map[string]interface{}{
		"reason":         cause.Error(),
		"payment_method": res.PaymentMethod,
	})
}

// bestEffort выполняет побочный шаг с ключом идемпотентности "<orderId>:<step>".
func (f *Flow) bestEffort(ctx context.Context, orderID string, step domain.CheckoutStep, run func(ctx context.Context) error) {
	stepCtx := domain.WithIdempotencyKey(ctx, domain.IdempotencyKey(orderID, step))

	start := time.Now()
	err := run(stepCtx)
	f.observeStep(step, start)
	if err == nil {
		return
	}

	err = fmt.Errorf("%w: %s: %w", domain.ErrReconciliationStep, step, err)
	f.logger.WithError(err).WithFields(log.Fields{
		"order_id": orderID,
		"step":     step,
	}).Warn("best-effort checkout step failed")
	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordReconciliationFailure(string(step))
	}
}
