package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

type fakeGroup struct {
	consume func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errs    chan error
	closeFn func() error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if g.consume != nil {
		return g.consume(ctx, topics, handler)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.closeFn != nil {
		return g.closeFn()
	}
	if g.errs != nil {
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "checkout-service-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicPaymentNotifications }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// claimOf возвращает закрытый claim с заданными сообщениями.
func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

// routedNotifier отвечает ошибками по номеру заказа; первые failFirst вызовов падают.
type routedNotifier struct {
	mu        sync.Mutex
	errs      map[string]error
	failFirst int
	calls     []string
}

func (n *routedNotifier) NotifyPayment(_ context.Context, orderID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, orderID)
	if len(n.calls) <= n.failFirst {
		return fmt.Errorf("gateway busy for %s", orderID)
	}
	return n.errs[orderID]
}

func (n *routedNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "kafka-test")
}

func notification(offset int64, orderID, status string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:  TopicPaymentNotifications,
		Offset: offset,
		Key:    []byte(orderID),
		Value:  []byte(fmt.Sprintf(`{"order_id":%q,"transaction_status":%q}`, orderID, status)),
	}
}

func notificationConsumer(notifier PaymentNotifier, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithConsumerLogger(quietLogger()), WithRetryDelay(0)}, opts...)
	return newConsumer(&fakeGroup{}, []string{TopicPaymentNotifications},
		NewPaymentNotificationHandler(notifier, quietLogger()), opts...)
}

func dlqProducer(t *testing.T, check func(map[string]interface{}) error) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var dead map[string]interface{}
		if err := json.Unmarshal(val, &dead); err != nil {
			return err
		}
		return check(dead)
	})
	return newProducer(mockProducer, quietLogger()), mockProducer
}

func TestNewConsumer_InvalidBroker(t *testing.T) {
	handler := NewPaymentNotificationHandler(&routedNotifier{}, nil)
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "checkout-service", []string{TopicPaymentNotifications}, handler); err == nil {
		t.Fatal("expected consumer group error for unreachable broker")
	}
}

func TestNewConsumerConfig(t *testing.T) {
	cfg := NewConsumerConfig("checkout-service")
	if cfg.ClientID != "checkout-service" {
		t.Fatalf("unexpected client id: %s", cfg.ClientID)
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetNewest {
		t.Fatal("notifications must be consumed from the newest offset")
	}
	if !cfg.Consumer.Return.Errors {
		t.Fatal("consumer errors must be returned")
	}
}

func TestConsumerOptions(t *testing.T) {
	dlq := &Producer{}
	c := notificationConsumer(&routedNotifier{}, WithDLQ(dlq, 5), WithRetryDelay(time.Second))
	if c.maxRetries != 5 || c.retryDelay != time.Second || c.dlqProducer != dlq {
		t.Fatalf("options not applied: retries=%d delay=%s", c.maxRetries, c.retryDelay)
	}

	c = notificationConsumer(&routedNotifier{}, WithDLQ(nil, 0), WithConsumerLogger(nil))
	if c.maxRetries != defaultMaxRetries || c.logger == nil {
		t.Fatalf("expected defaults, got retries=%d", c.maxRetries)
	}
}

func TestConsumer_StartSubscribesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribed := make(chan []string, 1)
	errs := make(chan error, 1)
	errs <- errors.New("rebalance error")
	group := &fakeGroup{
		errs: errs,
		consume: func(ctx context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
			select {
			case subscribed <- topics:
			default:
			}
			<-ctx.Done()
			return sarama.ErrClosedConsumerGroup
		},
	}
	c := newConsumer(group, []string{TopicPaymentNotifications},
		NewPaymentNotificationHandler(&routedNotifier{}, quietLogger()), WithConsumerLogger(quietLogger()))

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case topics := <-subscribed:
		if len(topics) != 1 || topics[0] != TopicPaymentNotifications {
			t.Fatalf("unexpected topics: %v", topics)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not subscribe")
	}

	cancel()
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestConsumer_StopError(t *testing.T) {
	errs := make(chan error)
	group := &fakeGroup{errs: errs, closeFn: func() error {
		close(errs)
		return errors.New("close failed")
	}}
	c := newConsumer(group, nil, nil, WithConsumerLogger(quietLogger()))
	if err := c.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumeClaim_NotificationsTriggerStatusChecks(t *testing.T) {
	notifier := &routedNotifier{errs: map[string]error{
		"ORD404": domain.ErrFlowNotFound,
		"ORD3":   domain.ErrInvalidTransition,
	}}
	c := notificationConsumer(notifier)
	session := &fakeSession{ctx: context.Background()}

	camel := &sarama.ConsumerMessage{Topic: TopicPaymentNotifications, Offset: 2, Value: []byte(`{"orderId":"ORD2","transaction_status":"capture"}`)}
	claim := claimOf(
		notification(1, "ORD1", "settlement"),
		camel,
		notification(3, "ORD3", "settlement"),
		notification(4, "ORD404", "pending"),
	)

	if err := c.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim: %v", err)
	}

	want := []string{"ORD1", "ORD2", "ORD3", "ORD404"}
	if got := notifier.notified(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected notifications for %v, got %v", want, got)
	}
	if len(session.marked) != 4 {
		t.Fatalf("all notifications must be committed, got offsets %v", session.marked)
	}
}

func TestConsumeClaim_TransientFailureRecoversOnRetry(t *testing.T) {
	notifier := &routedNotifier{failFirst: 1}
	c := notificationConsumer(notifier, WithDLQ(nil, 3))
	session := &fakeSession{ctx: context.Background()}

	if err := c.ConsumeClaim(session, claimOf(notification(7, "ORD1", "settlement"))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if got := notifier.notified(); len(got) != 2 {
		t.Fatalf("expected one retry, got calls %v", got)
	}
	if len(session.marked) != 1 || session.marked[0] != 7 {
		t.Fatalf("recovered message must be committed, got %v", session.marked)
	}
}

func TestConsumeClaim_ExhaustedRetriesGoToDLQ(t *testing.T) {
	notifier := &routedNotifier{failFirst: 100}
	producer, mockProducer := dlqProducer(t, func(dead map[string]interface{}) error {
		if dead["original_topic"] != TopicPaymentNotifications {
			return fmt.Errorf("unexpected original topic: %v", dead["original_topic"])
		}
		if dead["original_key"] != "ORD1" {
			return fmt.Errorf("unexpected original key: %v", dead["original_key"])
		}
		if msg, _ := dead["error_message"].(string); !strings.Contains(msg, "gateway busy") {
			return fmt.Errorf("unexpected error message: %q", msg)
		}
		return nil
	})
	c := notificationConsumer(notifier, WithDLQ(producer, 3))
	session := &fakeSession{ctx: context.Background()}

	if err := c.ConsumeClaim(session, claimOf(notification(9, "ORD1", "settlement"))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if got := notifier.notified(); len(got) != 3 {
		t.Fatalf("expected 3 attempts before dead-lettering, got %d", len(got))
	}
	if len(session.marked) != 1 {
		t.Fatalf("dead-lettered message must be committed, got %v", session.marked)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeClaim_RetryHeaderCountsEarlierAttempts(t *testing.T) {
	notifier := &routedNotifier{failFirst: 100}
	producer, mockProducer := dlqProducer(t, func(dead map[string]interface{}) error {
		if dead["retry_count"] != float64(2) {
			return fmt.Errorf("unexpected retry count: %v", dead["retry_count"])
		}
		return nil
	})
	c := notificationConsumer(notifier, WithDLQ(producer, 3))

	msg := notification(1, "ORD1", "settlement")
	msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("2")}}
	if err := c.handleMessageWithRetry(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := notifier.notified(); len(got) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(got))
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeClaim_MalformedNotificationIsNotRetried(t *testing.T) {
	notifier := &routedNotifier{}
	producer, mockProducer := dlqProducer(t, func(dead map[string]interface{}) error {
		if msg, _ := dead["error_message"].(string); !strings.Contains(msg, ErrMalformedMessage.Error()) {
			return fmt.Errorf("unexpected error message: %q", msg)
		}
		return nil
	})
	c := notificationConsumer(notifier, WithDLQ(producer, 5))
	session := &fakeSession{ctx: context.Background()}

	broken := &sarama.ConsumerMessage{Topic: TopicPaymentNotifications, Offset: 3, Value: []byte(`{"transaction_status":"pending"}`)}
	if err := c.ConsumeClaim(session, claimOf(broken)); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if got := notifier.notified(); len(got) != 0 {
		t.Fatalf("notifier must not be called, got %v", got)
	}
	if len(session.marked) != 1 {
		t.Fatalf("dead-lettered message must be committed, got %v", session.marked)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeClaim_FailureWithoutDLQIsNotCommitted(t *testing.T) {
	c := notificationConsumer(&routedNotifier{failFirst: 100}, WithDLQ(nil, 2))
	session := &fakeSession{ctx: context.Background()}

	if err := c.ConsumeClaim(session, claimOf(notification(1, "ORD1", "settlement"))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message must stay uncommitted, got %v", session.marked)
	}
}

func TestConsumeClaim_DLQFailureIsNotCommitted(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	c := notificationConsumer(&routedNotifier{failFirst: 100}, WithDLQ(newProducer(mockProducer, quietLogger()), 1))
	session := &fakeSession{ctx: context.Background()}

	if err := c.ConsumeClaim(session, claimOf(notification(1, "ORD1", "settlement"))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("message must stay uncommitted when DLQ is down, got %v", session.marked)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleMessageWithRetry_DelayRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	notifier := &routedNotifier{failFirst: 100}
	c := notificationConsumer(notifier, WithDLQ(nil, 3), WithRetryDelay(time.Hour))

	done := make(chan error, 1)
	go func() { done <- c.handleMessageWithRetry(ctx, notification(1, "ORD1", "settlement")) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry delay ignored context cancellation")
	}
}

func TestConsumeClaim_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := notificationConsumer(&routedNotifier{})
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = c.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

func TestParsePaymentNotification(t *testing.T) {
	tests := []struct {
		name    string
		msg     *sarama.ConsumerMessage
		orderID string
		wantErr bool
	}{
		{name: "snake case", msg: &sarama.ConsumerMessage{Value: []byte(`{"order_id":"ORD1","transaction_status":"settlement"}`)}, orderID: "ORD1"},
		{name: "camel case", msg: &sarama.ConsumerMessage{Value: []byte(`{"orderId":"ORD2"}`)}, orderID: "ORD2"},
		{name: "key fallback", msg: &sarama.ConsumerMessage{Key: []byte(" ORD3 "), Value: []byte(`{}`)}, orderID: "ORD3"},
		{name: "missing id", msg: &sarama.ConsumerMessage{Value: []byte(`{"transaction_status":"pending"}`)}, wantErr: true},
		{name: "broken json", msg: &sarama.ConsumerMessage{Value: []byte(`{`)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParsePaymentNotification(tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n.OrderID != tt.orderID {
				t.Fatalf("expected order %s, got %s", tt.orderID, n.OrderID)
			}
		})
	}
}

func TestParseCheckoutEvent(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: []byte(`{"id":"e-1","aggregate_type":"checkout","aggregate_id":"ORD1","event_type":"PaymentSettled","payload":{"payment_method":"gopay"}}`)}
	event, err := ParseCheckoutEvent(msg)
	if err != nil {
		t.Fatalf("parse checkout event: %v", err)
	}
	if event.EventType != "PaymentSettled" || event.AggregateID != "ORD1" {
		t.Fatalf("unexpected checkout event: %+v", event)
	}

	var payload struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.PaymentMethod != "gopay" {
		t.Fatalf("unexpected payload %s: %v", event.Payload, err)
	}

	if _, err := ParseCheckoutEvent(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected parse error")
	}
}
