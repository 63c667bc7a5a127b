package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/metrics"
)

// StoreFactory возвращает клиент REST API, привязанный к сессии покупателя.
type StoreFactory func(session auth.Session) domain.StoreAPI

// StartRequest — запрос на начало оформления.
type StartRequest struct {
	Session     auth.Session
	Items       []domain.LineItem
	Shipping    *domain.ShippingInfo
	TotalAmount int64
}

// View — состояние оформления вместе с передачами управления.
type View struct {
	Snapshot
	Handoff HandoffView
	Resumed bool
}

// ManagerOption настраивает Manager.
type ManagerOption func(*Manager)

// WithSessionStore включает сохранение и возобновление незавершённых оплат.
func WithSessionStore(store domain.SessionStore) ManagerOption {
	return func(m *Manager) {
		m.sessions = store
	}
}

// WithEventRecorder включает запись событий в outbox и timeline.
func WithEventRecorder(recorder *EventRecorder) ManagerOption {
	return func(m *Manager) {
		m.events = recorder
	}
}

// WithMetrics подключает метрики оформления.
func WithMetrics(m *metrics.CheckoutMetrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithFlowRetention задаёт, сколько завершённое оформление остаётся доступным по FlowID.
func WithFlowRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type managedFlow struct {
	flow    *Flow
	handoff *Handoff
	resumed bool
}

func (mf *managedFlow) view() View {
	return View{
		Snapshot: mf.flow.Snapshot(),
		Handoff:  mf.handoff.View(),
		Resumed:  mf.resumed,
	}
}

// DefaultFlowRetention — срок хранения завершённого оформления в памяти.
const DefaultFlowRetention = 30 * time.Minute

type buyerLock struct {
	mu   sync.Mutex
	refs int
}

// Manager хранит живые оформления и создаёт новые.
// Start одного покупателя выполняется последовательно.
type Manager struct {
	cfg       Config
	stores    StoreFactory
	gateway   domain.PaymentGateway
	sessions  domain.SessionStore
	events    *EventRecorder
	metrics   *metrics.CheckoutMetrics
	logger    *log.Entry
	retention time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	flows map[string]*managedFlow

	startMu    sync.Mutex
	startLocks map[string]*buyerLock
}

// NewManager создаёт менеджер оформлений.
func NewManager(cfg Config, stores StoreFactory, gateway domain.PaymentGateway, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		stores:     stores,
		gateway:    gateway,
		logger:     log.New().WithField("component", "checkout-manager"),
		retention:  DefaultFlowRetention,
		now:        time.Now,
		flows:      make(map[string]*managedFlow),
		startLocks: make(map[string]*buyerLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start начинает оформление. Если у покупателя есть незавершённая оплата,
// она возобновляется вместо создания нового заказа.
func (m *Manager) Start(ctx context.Context, req StartRequest) (View, error) {
	if req.Session.Valid() {
		unlock := m.lockBuyer(req.Session.UserID)
		defer unlock()
	}

	if view, ok := m.resume(ctx, req.Session); ok {
		return view, nil
	}

	mf := m.newFlow(Request{
		Session:     req.Session,
		Items:       req.Items,
		Shipping:    req.Shipping,
		TotalAmount: req.TotalAmount,
	})

	err := mf.flow.Start(ctx)
	if err != nil && mf.flow.State() == domain.StateIdle {
		return mf.view(), err
	}

	m.mu.Lock()
	m.flows[mf.flow.ID()] = mf
	m.mu.Unlock()

	return mf.view(), err
}

// lockBuyer захватывает блокировку покупателя и возвращает функцию её освобождения.
func (m *Manager) lockBuyer(buyerID string) func() {
	m.startMu.Lock()
	l, ok := m.startLocks[buyerID]
	if !ok {
		l = &buyerLock{}
		m.startLocks[buyerID] = l
	}
	l.refs++
	m.startMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.startMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.startLocks, buyerID)
		}
		m.startMu.Unlock()
	}
}

// resume вызывается под блокировкой покупателя: живое оформление по заказу из записи
// находится раньше, чем создаётся второе.
func (m *Manager) resume(ctx context.Context, session auth.Session) (View, bool) {
	if m.sessions == nil || !session.Valid() {
		return View{}, false
	}

	record, err := m.sessions.FindPendingByBuyer(ctx, session.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			m.logger.WithError(err).WithField("buyer_id", session.UserID).Warn("lookup payment session record failed")
		}
		return View{}, false
	}

	if existing, ok := m.findByOrder(record.OrderID); ok {
		return existing.view(), true
	}

	shipping := record.Shipping
	mf := m.newFlow(Request{
		FlowID:      record.FlowID,
		Session:     session,
		Items:       record.Items,
		Shipping:    &shipping,
		TotalAmount: record.TotalAmount,
	})
	mf.resumed = true
	if err := mf.flow.Resume(record); err != nil {
		m.logger.WithError(err).WithField("order_id", record.OrderID).Warn("resume checkout failed")
		return View{}, false
	}

	m.mu.Lock()
	m.flows[mf.flow.ID()] = mf
	m.mu.Unlock()

	return mf.view(), true
}

func (m *Manager) newFlow(req Request) *managedFlow {
	handoff := NewHandoff()
	flow := NewFlow(m.cfg, Dependencies{
		Store:     m.stores(req.Session),
		Gateway:   m.gateway,
		Window:    handoff,
		Navigator: handoff,
		Sessions:  m.sessions,
		Events:    m.events,
		Metrics:   m.metrics,
		Logger:    m.logger,
	}, req)
	return &managedFlow{flow: flow, handoff: handoff}
}

// Get возвращает состояние оформления.
func (m *Manager) Get(flowID string) (View, error) {
	mf, err := m.lookup(flowID)
	if err != nil {
		return View{}, err
	}
	return mf.view(), nil
}

// CheckNow запускает ручную проверку статуса.
func (m *Manager) CheckNow(ctx context.Context, flowID string) (View, error) {
	return m.apply(flowID, func(f *Flow) error { return f.CheckNow(ctx) })
}

// Retry повторяет оформление после ошибки или отказа.
func (m *Manager) Retry(ctx context.Context, flowID string) (View, error) {
	return m.apply(flowID, func(f *Flow) error { return f.Retry(ctx) })
}

// Cancel отменяет оформление.
func (m *Manager) Cancel(ctx context.Context, flowID string) (View, error) {
	return m.apply(flowID, func(f *Flow) error { return f.Cancel(ctx) })
}

// Reopen повторно открывает страницу оплаты.
func (m *Manager) Reopen(flowID string) (View, error) {
	return m.apply(flowID, func(f *Flow) error { return f.ReopenPayment() })
}

// NotifyPayment ускоряет проверку статуса по уведомлению шлюза.
// Если проверка уже идёт, уведомление поглощается ею.
func (m *Manager) NotifyPayment(ctx context.Context, orderID string) error {
	mf, ok := m.findByOrder(orderID)
	if !ok {
		return domain.ErrFlowNotFound
	}
	err := mf.flow.CheckNow(ctx)
	if errors.Is(err, domain.ErrCheckInProgress) {
		return nil
	}
	return err
}

// Close закрывает оформление без побочных эффектов и забывает его.
func (m *Manager) Close(flowID string) error {
	m.mu.Lock()
	mf, ok := m.flows[flowID]
	delete(m.flows, flowID)
	m.mu.Unlock()
	if !ok {
		return domain.ErrFlowNotFound
	}
	mf.flow.Close()
	return nil
}

// Shutdown закрывает все оформления.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	flows := m.flows
	m.flows = make(map[string]*managedFlow)
	m.mu.Unlock()

	for _, mf := range flows {
		mf.flow.Close()
	}
	m.logger.WithField("flows", len(flows)).Info("checkout flows closed")
}

// PurgeExpired закрывает и забывает оформления, завершённые раньше срока хранения.
// Возвращает число удалённых оформлений.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.retention)

	var expired []*managedFlow
	m.mu.Lock()
	for id, mf := range m.flows {
		if finished, ok := mf.flow.FinishedAt(); ok && !finished.After(cutoff) {
			expired = append(expired, mf)
			delete(m.flows, id)
		}
	}
	m.mu.Unlock()

	for _, mf := range expired {
		mf.flow.Close()
	}
	if len(expired) > 0 {
		m.logger.WithField("flows", len(expired)).Debug("finished checkout flows evicted")
	}
	return int64(len(expired)), nil
}

// Len возвращает число отслеживаемых оформлений.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flows)
}

func (m *Manager) apply(flowID string, action func(f *Flow) error) (View, error) {
	mf, err := m.lookup(flowID)
	if err != nil {
		return View{}, err
	}
	err = action(mf.flow)
	return mf.view(), err
}

func (m *Manager) lookup(flowID string) (*managedFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mf, ok := m.flows[flowID]
	if !ok {
		return nil, domain.ErrFlowNotFound
	}
	return mf, nil
}

func (m *Manager) findByOrder(orderID string) (*managedFlow, bool) {
	if orderID == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mf := range m.flows {
		if mf.flow.Snapshot().Order.OrderID == orderID {
			return mf, true
		}
	}
	return nil, false
}
