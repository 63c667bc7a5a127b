package checkout

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

type statusUpdate struct {
	DBID          string
	Status        domain.OrderStatus
	PaymentMethod string
}

type stubStore struct {
	mu sync.Mutex

	refs       []domain.OrderRef
	createErrs []error
	updateErr  error
	reduceErr  error
	clearErr   error
	deleteErr  error

	createCalls int
	requests    []domain.CreateOrderRequest
	updates     []statusUpdate
	reductions  [][]domain.StockReduction
	clears      []string
	deletes     []string
	keys        []string
}

func newStubStore(refs ...domain.OrderRef) *stubStore {
	return &stubStore{refs: refs}
}

func (s *stubStore) CreateOrder(_ context.Context, req domain.CreateOrderRequest) (domain.OrderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.createCalls
	s.createCalls++
	s.requests = append(s.requests, req)
	if idx < len(s.createErrs) && s.createErrs[idx] != nil {
		return domain.OrderRef{}, s.createErrs[idx]
	}
	if len(s.refs) == 0 {
		return domain.OrderRef{}, nil
	}
	if idx >= len(s.refs) {
		idx = len(s.refs) - 1
	}
	return s.refs[idx], nil
}

func (s *stubStore) UpdateOrderStatus(ctx context.Context, dbID string, status domain.OrderStatus, paymentMethod string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordKey(ctx)
	s.updates = append(s.updates, statusUpdate{DBID: dbID, Status: status, PaymentMethod: paymentMethod})
	return s.updateErr
}

func (s *stubStore) ReduceStock(ctx context.Context, items []domain.StockReduction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordKey(ctx)
	s.reductions = append(s.reductions, items)
	return s.reduceErr
}

func (s *stubStore) ClearCart(ctx context.Context, buyerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordKey(ctx)
	s.clears = append(s.clears, buyerID)
	return s.clearErr
}

func (s *stubStore) DeleteOrder(ctx context.Context, dbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordKey(ctx)
	s.deletes = append(s.deletes, dbID)
	return s.deleteErr
}

func (s *stubStore) recordKey(ctx context.Context) {
	if key, ok := domain.IdempotencyKeyFrom(ctx); ok {
		s.keys = append(s.keys, key)
	}
}

type storeCalls struct {
	createCalls int
	requests    []domain.CreateOrderRequest
	updates     []statusUpdate
	reductions  [][]domain.StockReduction
	clears      []string
	deletes     []string
	keys        []string
}

func (s *stubStore) calls() storeCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storeCalls{
		createCalls: s.createCalls,
		requests:    append([]domain.CreateOrderRequest(nil), s.requests...),
		updates:     append([]statusUpdate(nil), s.updates...),
		reductions:  append([][]domain.StockReduction(nil), s.reductions...),
		clears:      append([]string(nil), s.clears...),
		deletes:     append([]string(nil), s.deletes...),
		keys:        append([]string(nil), s.keys...),
	}
}

type statusReply struct {
	res domain.StatusResult
	err error
}

func reply(status domain.TransactionStatus, method string) statusReply {
	return statusReply{res: domain.StatusResult{Status: status, PaymentMethod: method}}
}

type stubGateway struct {
	mu sync.Mutex

	tx       domain.Transaction
	txErr    error
	replies  []statusReply
	block    chan struct{}
	entered  chan struct{}
	orderIDs []string

	createCalls int
	checkCalls  int
}

func newStubGateway(replies ...statusReply) *stubGateway {
	return &stubGateway{
		tx:      domain.Transaction{Token: "snap-token", RedirectURL: "https://pay.example/snap-token"},
		replies: replies,
	}
}

func (g *stubGateway) CreateTransaction(_ context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.orderIDs = append(g.orderIDs, req.OrderID)
	return g.tx, g.txErr
}

// CheckStatus отдаёт ответы по очереди, последний повторяется.
func (g *stubGateway) CheckStatus(ctx context.Context, _ string) (domain.StatusResult, error) {
	g.mu.Lock()
	g.checkCalls++
	var r statusReply
	if len(g.replies) > 0 {
		r = g.replies[0]
		if len(g.replies) > 1 {
			g.replies = g.replies[1:]
		}
	} else {
		r = statusReply{err: domain.ErrTransactionNotFound}
	}
	block, entered := g.block, g.entered
	g.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.StatusResult{}, ctx.Err()
		}
	}
	return r.res, r.err
}

func (g *stubGateway) checks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkCalls
}

func (g *stubGateway) createdFor() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.orderIDs...)
}

func (g *stubGateway) creates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "checkout-test")
}

func sampleItems() []domain.LineItem {
	return []domain.LineItem{
		{ProductID: "p1", Name: "Kemeja Batik", Size: "L", Quantity: 1, UnitPrice: 100000},
		{ProductID: "p2", Name: "Selendang", Quantity: 2, UnitPrice: 50000},
	}
}

func sampleRequest() Request {
	return Request{
		Session: auth.Session{Token: "tok", UserID: "42"},
		Items:   sampleItems(),
		Shipping: &domain.ShippingInfo{
			Name:       "Sari",
			Phone:      "081200000000",
			Address:    "Jl. Malioboro 1",
			City:       "Yogyakarta",
			PostalCode: "55271",
		},
		TotalAmount: domain.CheckoutTotal(sampleItems(), domain.ShippingSurcharge),
	}
}

// manualConfig отключает автоматический опрос: проверки запускаются только через CheckNow.
func manualConfig() Config {
	return Config{
		StartDelay:          time.Hour,
		Interval:            time.Hour,
		BackoffFactor:       1,
		WindowOpenDelay:     0,
		SuccessDisplayDelay: 0,
	}
}

func fastConfig() Config {
	return Config{
		StartDelay:          0,
		Interval:            5 * time.Millisecond,
		BackoffFactor:       1,
		WindowOpenDelay:     0,
		SuccessDisplayDelay: 0,
	}
}

type fixture struct {
	flow    *Flow
	store   *stubStore
	gateway *stubGateway
	handoff *Handoff
}

func newFixture(t *testing.T, cfg Config, store *stubStore, gateway *stubGateway, mutate ...func(*Dependencies)) fixture {
	t.Helper()
	handoff := NewHandoff()
	deps := Dependencies{
		Store:     store,
		Gateway:   gateway,
		Window:    handoff,
		Navigator: handoff,
		Logger:    testLogger(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	flow := NewFlow(cfg, deps, sampleRequest())
	t.Cleanup(flow.Close)
	return fixture{flow: flow, store: store, gateway: gateway, handoff: handoff}
}
