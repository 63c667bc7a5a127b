package domain

import (
	"context"
	"fmt"
)

type idempotencyKeyCtx struct{}

// IdempotencyKey строит ключ идемпотентности шага сверки: один ключ на заказ и шаг.
func IdempotencyKey(orderID string, step CheckoutStep) string {
	return fmt.Sprintf("%s:%s", orderID, step)
}

// WithIdempotencyKey прикладывает ключ к контексту исходящего вызова.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom достаёт ключ, если он был приложен.
func IdempotencyKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyCtx{}).(string)
	return key, ok && key != ""
}
