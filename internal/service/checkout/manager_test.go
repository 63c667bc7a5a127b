package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/storage/memory"
)

func newTestManager(t *testing.T, store *stubStore, gateway *stubGateway, opts ...ManagerOption) *Manager {
	t.Helper()
	factory := func(auth.Session) domain.StoreAPI { return store }
	opts = append([]ManagerOption{WithLogger(testLogger())}, opts...)
	m := NewManager(manualConfig(), factory, gateway, opts...)
	t.Cleanup(m.Shutdown)
	return m
}

func startRequest() StartRequest {
	req := sampleRequest()
	return StartRequest{
		Session:     req.Session,
		Items:       req.Items,
		Shipping:    req.Shipping,
		TotalAmount: req.TotalAmount,
	}
}

func TestManager_StartAndGet(t *testing.T) {
	store := newStubStore(domain.OrderRef{OrderID: "ORD1", DBID: "7"})
	m := newTestManager(t, store, newStubGateway())

	view, err := m.Start(context.Background(), startRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, view.State)
	assert.False(t, view.Resumed)
	assert.Equal(t, "42", view.BuyerID)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(view.FlowID)
	require.NoError(t, err)
	assert.Equal(t, "ORD1", got.Order.OrderID)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, domain.ErrFlowNotFound)
}

func TestManager_PreconditionFailureIsNotTracked(t *testing.T) {
	m := newTestManager(t, newStubStore(), newStubGateway())

	req := startRequest()
	req.Items = nil
	view, err := m.Start(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrCartEmpty)
	assert.Equal(t, TargetCart, view.Handoff.Target)
	assert.Equal(t, 0, m.Len())
}

func TestManager_ErroredFlowIsTrackedForRetry(t *testing.T) {
	store := newStubStore(domain.OrderRef{OrderID: "ORD1"}, domain.OrderRef{OrderID: "ORD2", DBID: "8"})
	m := newTestManager(t, store, newStubGateway())
	ctx := context.Background()

	view, err := m.Start(ctx, startRequest())
	require.ErrorIs(t, err, domain.ErrOrderCreation)
	assert.Equal(t, domain.StateErrored, view.State)
	require.Equal(t, 1, m.Len())

	view, err = m.Retry(ctx, view.FlowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, view.State)
	assert.Equal(t, "ORD2", view.Order.OrderID)
}

func TestManager_ResumesPendingSessionAcrossManagers(t *testing.T) {
	sessions := memory.NewSessionStore(0)
	store := newStubStore(domain.OrderRef{OrderID: "ORD1", DBID: "7"})
	ctx := context.Background()

	first := newTestManager(t, store, newStubGateway(), WithSessionStore(sessions))
	started, err := first.Start(ctx, startRequest())
	require.NoError(t, err)

	// Повторный старт у того же менеджера возвращает живое оформление.
	again, err := first.Start(ctx, startRequest())
	require.NoError(t, err)
	assert.Equal(t, started.FlowID, again.FlowID)
	assert.Equal(t, 1, store.calls().createCalls)

	record, err := sessions.Get(ctx, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, "7", record.DBID)
	assert.Equal(t, "42", record.BuyerID)
	assert.Equal(t, "https://pay.example/snap-token", record.PaymentURL)

	// Новый менеджер (перезапуск) подхватывает оплату из хранилища.
	first.Shutdown()
	gateway := newStubGateway(reply(domain.TransactionSettlement, "bank_transfer"))
	second := newTestManager(t, store, gateway, WithSessionStore(sessions))

	resumed, err := second.Start(ctx, startRequest())
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, started.FlowID, resumed.FlowID)
	assert.Equal(t, domain.StateAwaitingConfirmation, resumed.State)
	assert.Equal(t, "ORD1", resumed.Order.OrderID)
	assert.Equal(t, 1, store.calls().createCalls)
	assert.Equal(t, 0, gateway.creates())

	_, err = second.CheckNow(ctx, resumed.FlowID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := second.Get(resumed.FlowID)
		return err == nil && v.State == domain.StateSucceeded
	}, waitFor, tickFor)

	_, err = sessions.Get(ctx, "ORD1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestManager_NotifyPayment(t *testing.T) {
	store := newStubStore(domain.OrderRef{OrderID: "ORD1", DBID: "7"})
	gateway := newStubGateway(reply(domain.TransactionDeny, "credit_card"))
	m := newTestManager(t, store, gateway)
	ctx := context.Background()

	view, err := m.Start(ctx, startRequest())
	require.NoError(t, err)

	assert.ErrorIs(t, m.NotifyPayment(ctx, "ORD404"), domain.ErrFlowNotFound)
	require.NoError(t, m.NotifyPayment(ctx, "ORD1"))

	got, err := m.Get(view.FlowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.ErrorIs(t, m.NotifyPayment(ctx, "ORD1"), domain.ErrInvalidTransition)
}

func TestManager_CancelAndReopen(t *testing.T) {
	store := newStubStore(domain.OrderRef{OrderID: "ORD1", DBID: "7"})
	m := newTestManager(t, store, newStubGateway())
	ctx := context.Background()

	view, err := m.Start(ctx, startRequest())
	require.NoError(t, err)

	view, err = m.Reopen(view.FlowID)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/snap-token", view.Handoff.PaymentURL)

	view, err = m.Cancel(ctx, view.FlowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, view.State)
	assert.Equal(t, TargetShipping, view.Handoff.Target)
	assert.Equal(t, []string{"7"}, store.calls().deletes)

	_, err = m.Reopen(view.FlowID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestManager_Close(t *testing.T) {
	m := newTestManager(t, newStubStore(domain.OrderRef{OrderID: "ORD1", DBID: "7"}), newStubGateway())

	view, err := m.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.NoError(t, m.Close(view.FlowID))
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, m.Close(view.FlowID), domain.ErrFlowNotFound)
	_, err = m.CheckNow(context.Background(), view.FlowID)
	assert.ErrorIs(t, err, domain.ErrFlowNotFound)
}

func TestManager_ConcurrentStartsCreateSingleOrder(t *testing.T) {
	sessions := memory.NewSessionStore(0)
	store := newStubStore(domain.OrderRef{OrderID: "ORD1", DBID: "7"})
	gateway := newStubGateway()
	m := newTestManager(t, store, gateway, WithSessionStore(sessions))

	const starts = 8
	views := make([]View, starts)
	errs := make([]error, starts)
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = m.Start(context.Background(), startRequest())
		}(i)
	}
	wg.Wait()

	for i := range views {
		require.NoError(t, errs[i])
		assert.Equal(t, views[0].FlowID, views[i].FlowID)
	}
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, store.calls().createCalls)
	assert.Equal(t, 1, gateway.creates())
}

func TestManager_ConcurrentStartsResumeOnce(t *testing.T) {
	sessions := memory.NewSessionStore(0)
	ctx := context.Background()
	req := sampleRequest()
	require.NoError(t, sessions.Save(ctx, domain.ResumeRecord{
		FlowID:      "flow-1",
		OrderID:     "ORD1",
		DBID:        "7",
		BuyerID:     "42",
		Status:      domain.SessionStatusPending,
		PaymentURL:  "https://pay.example/snap-token",
		Token:       "snap-token",
		TotalAmount: req.TotalAmount,
		Items:       req.Items,
		Shipping:    *req.Shipping,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}))

	store := newStubStore()
	gateway := newStubGateway(reply(domain.TransactionSettlement, "bank_transfer"))
	m := newTestManager(t, store, gateway, WithSessionStore(sessions))

	const starts = 8
	views := make([]View, starts)
	errs := make([]error, starts)
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = m.Start(ctx, startRequest())
		}(i)
	}
	wg.Wait()

	for i := range views {
		require.NoError(t, errs[i])
		assert.True(t, views[i].Resumed)
		assert.Equal(t, "flow-1", views[i].FlowID)
	}
	require.Equal(t, 1, m.Len())
	assert.Equal(t, 0, store.calls().createCalls)

	_, err := m.CheckNow(ctx, "flow-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := m.Get("flow-1")
		return err == nil && v.State == domain.StateSucceeded
	}, waitFor, tickFor)
	assert.Len(t, store.calls().reductions, 1)
	assert.Len(t, store.calls().clears, 1)
}

func TestManager_PurgeExpiredEvictsFinishedFlows(t *testing.T) {
	store := newStubStore(domain.OrderRef{OrderID: "ORD1"}, domain.OrderRef{OrderID: "ORD2", DBID: "8"})
	m := newTestManager(t, store, newStubGateway())
	ctx := context.Background()

	errored, err := m.Start(ctx, startRequest())
	require.ErrorIs(t, err, domain.ErrOrderCreation)
	waiting, err := m.Start(ctx, startRequest())
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	removed, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	m.now = func() time.Time { return time.Now().Add(DefaultFlowRetention + time.Minute) }
	removed, err = m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, m.Len())

	_, err = m.Get(errored.FlowID)
	assert.ErrorIs(t, err, domain.ErrFlowNotFound)
	got, err := m.Get(waiting.FlowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, got.State)
}

func TestManager_FlowRetentionOption(t *testing.T) {
	store := newStubStore(domain.OrderRef{OrderID: "ORD1"})
	m := newTestManager(t, store, newStubGateway(), WithFlowRetention(2*time.Hour))
	ctx := context.Background()

	_, err := m.Start(ctx, startRequest())
	require.Error(t, err)

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	removed, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	m.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	removed, err = m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.PurgeExpired(canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
