package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

// PaymentNotifier ускоряет проверку статуса оплаты по номеру заказа.
type PaymentNotifier interface {
	NotifyPayment(ctx context.Context, orderID string) error
}

// NewPaymentNotificationHandler превращает уведомления шлюза во внеочередные проверки статуса.
// Уведомления по заказам, которых нет среди живых оформлений этого экземпляра, пропускаются.
func NewPaymentNotificationHandler(notifier PaymentNotifier, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-notifications")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		n, err := ParsePaymentNotification(message)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}

		entry := logger.WithFields(log.Fields{
			"order_id":           n.OrderID,
			"transaction_status": n.TransactionStatus,
		})

		err = notifier.NotifyPayment(ctx, n.OrderID)
		switch {
		case err == nil:
			entry.Debug("payment notification triggered status check")
			return nil
		case errors.Is(err, domain.ErrFlowNotFound):
			entry.Debug("no live checkout for payment notification")
			return nil
		case errors.Is(err, domain.ErrInvalidTransition):
			entry.Debug("checkout is no longer awaiting payment")
			return nil
		default:
			return err
		}
	}
}
