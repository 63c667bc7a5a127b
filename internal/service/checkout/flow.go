package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/metrics"
)

// Dependencies — внешние зависимости одного оформления.
// Store и Gateway обязательны, остальные можно не задавать.
type Dependencies struct {
	Store     domain.StoreAPI
	Gateway   domain.PaymentGateway
	Window    domain.PaymentWindow
	Navigator domain.Navigator
	Sessions  domain.SessionStore
	Events    *EventRecorder
	Metrics   *metrics.CheckoutMetrics
	Logger    *log.Entry
}

// Request — входные данные оформления. TotalAmount уже включает доставку и не пересчитывается.
type Request struct {
	FlowID      string
	Session     auth.Session
	Items       []domain.LineItem
	Shipping    *domain.ShippingInfo
	TotalAmount int64
}

// Flow — конечный автомат одной попытки оплаты (и её повторов).
type Flow struct {
	id   string
	cfg  Config
	deps Dependencies

	session  auth.Session
	buyerID  string
	items    []domain.LineItem
	shipping *domain.ShippingInfo
	total    int64

	logger *log.Entry

	// ctx живёт до Close; на нём работают таймер опроса и фоновые задачи.
	ctx    context.Context
	cancel context.CancelFunc

	// verifying — флаг единственной выполняющейся проверки статуса.
	verifying atomic.Bool

	mu           sync.Mutex
	state        domain.CheckoutState
	order        domain.OrderRef
	payment      domain.PaymentSession
	settled      bool
	lastErr      error
	poller       *Poller
	successTimer *time.Timer
	closed       bool
	active       bool
	attemptStart time.Time
	finishedAt   time.Time
}

// targetResetter реализуют навигаторы, которые помнят передачу управления между попытками.
type targetResetter interface {
	ResetTarget()
}

// Snapshot — согласованный снимок состояния оформления.
type Snapshot struct {
	FlowID      string
	BuyerID     string
	State       domain.CheckoutState
	Order       domain.OrderRef
	Payment     domain.PaymentSession
	Items       []domain.LineItem
	TotalAmount int64
	Polling     bool
	Err         error
}

// NewFlow создаёт оформление в состоянии Idle.
func NewFlow(cfg Config, deps Dependencies, req Request) *Flow {
	id := req.FlowID
	if id == "" {
		id = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = log.New().WithField("component", "checkout")
	}
	if deps.Window == nil || deps.Navigator == nil {
		handoff := NewHandoff()
		if deps.Window == nil {
			deps.Window = handoff
		}
		if deps.Navigator == nil {
			deps.Navigator = handoff
		}
	}

	var shipping *domain.ShippingInfo
	if req.Shipping != nil {
		s := *req.Shipping
		shipping = &s
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		id:       id,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		session:  req.Session,
		buyerID:  req.Session.UserID,
		items:    append([]domain.LineItem(nil), req.Items...),
		shipping: shipping,
		total:    req.TotalAmount,
		logger:   deps.Logger.WithField("flow_id", id),
		ctx:      ctx,
		cancel:   cancel,
		state:    domain.StateIdle,
	}
}

// ID возвращает идентификатор оформления.
func (f *Flow) ID() string { return f.id }

// BuyerID возвращает идентификатор покупателя из сессии.
func (f *Flow) BuyerID() string { return f.buyerID }

// Start проверяет предусловия и запускает инициализацию: создание заказа и транзакции.
// Ошибка предусловия не меняет состояние, покупатель передаётся на нужный экран.
func (f *Flow) Start(ctx context.Context) error {
	if err := f.preconditions(); err != nil {
		f.logger.WithError(err).Info("checkout precondition not met")
		return err
	}

	f.mu.Lock()
	if f.state != domain.StateIdle {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, state)
	}
	f.beginAttemptLocked()
	f.mu.Unlock()

	f.deps.Events.Record(f.id, "", EventCheckoutStarted, map[string]interface{}{
		"buyer_id":     f.buyerID,
		"items_count":  len(f.items),
		"total_amount": f.total,
	})
	return f.initialize(ctx)
}

// Retry повторяет инициализацию с новым заказом после Failed или Errored.
// Заказ прошлой попытки не удаляется.
func (f *Flow) Retry(ctx context.Context) error {
	f.mu.Lock()
	if !f.state.Recoverable() {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: retry from %s", domain.ErrInvalidTransition, state)
	}
	previous := f.order
	f.beginAttemptLocked()
	f.mu.Unlock()

	f.logger.WithField("previous_order_id", previous.OrderID).Info("retrying checkout")
	f.deps.Events.Record(f.id, "", EventCheckoutStarted, map[string]interface{}{
		"buyer_id":          f.buyerID,
		"total_amount":      f.total,
		"previous_order_id": previous.OrderID,
		"retry":             true,
	})
	return f.initialize(ctx)
}

// Resume продолжает ожидание оплаты по сохранённой записи без создания нового заказа.
func (f *Flow) Resume(record domain.ResumeRecord) error {
	f.mu.Lock()
	if f.state != domain.StateIdle {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, state)
	}
	f.order = domain.OrderRef{OrderID: record.OrderID, DBID: record.DBID}
	f.payment = domain.PaymentSession{
		OrderID:          record.OrderID,
		TransactionToken: record.Token,
		PaymentURL:       record.PaymentURL,
		Status:           domain.SessionStatusPending,
		CreatedAt:        record.CreatedAt,
	}
	f.state = domain.StateAwaitingConfirmation
	f.active = true
	f.attemptStart = time.Now()
	f.finishedAt = time.Time{}
	f.startPollingLocked()
	f.mu.Unlock()

	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowResumed()
	}
	f.logger.WithField("order_id", record.OrderID).Info("checkout resumed from stored payment session")
	f.deps.Events.Record(f.id, record.OrderID, EventCheckoutResumed, nil)
	return nil
}

// CheckNow — ручная проверка статуса вне расписания таймера под тем же флагом.
// Если проверка уже идёт, возвращает ErrCheckInProgress.
func (f *Flow) CheckNow(ctx context.Context) error {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state != domain.StateAwaitingConfirmation {
		return fmt.Errorf("%w: check from %s", domain.ErrInvalidTransition, state)
	}

	if !f.verifying.CompareAndSwap(false, true) {
		f.recordCheck(metrics.CheckResultDropped)
		return domain.ErrCheckInProgress
	}
	defer f.verifying.Store(false)

	f.verify(ctx)
	return nil
}

// ReopenPayment повторно открывает страницу оплаты, пока ждём подтверждения.
func (f *Flow) ReopenPayment() error {
	f.mu.Lock()
	if f.state != domain.StateAwaitingConfirmation || f.payment.PaymentURL == "" {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: reopen from %s", domain.ErrInvalidTransition, state)
	}
	url := f.payment.PaymentURL
	f.mu.Unlock()

	f.deps.Window.Open(url)
	return nil
}

// Cancel останавливает опрос, удаляет созданный заказ (best-effort) и возвращает
// покупателя к шагу доставки с исходной корзиной. После подтверждённой оплаты отказывает.
func (f *Flow) Cancel(ctx context.Context) error {
	f.mu.Lock()
	switch {
	case f.state == domain.StateCanceled:
		f.mu.Unlock()
		return nil
	case f.state == domain.StateSucceeded || f.payment.Status == domain.SessionStatusSuccess:
		f.mu.Unlock()
		return domain.ErrFlowSettled
	}
	previous := f.state
	f.state = domain.StateCanceled
	poller := f.takePollerLocked()
	order := f.order
	f.finishLocked()
	f.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}

	bg := context.WithoutCancel(ctx)
	if order.DBID != "" {
		f.bestEffort(bg, order.OrderID, domain.StepDeleteOrder, func(ctx context.Context) error {
			return f.deps.Store.DeleteOrder(ctx, order.DBID)
		})
		f.dropResume(bg, order.OrderID)
	}

	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowCanceled()
	}
	f.logger.WithFields(log.Fields{
		"order_id":       order.OrderID,
		"previous_state": previous,
	}).Info("checkout canceled")
	f.deps.Events.Record(f.id, order.OrderID, EventCheckoutCanceled, map[string]interface{}{
		"previous_state": string(previous),
	})
	f.deps.Navigator.ToShipping(f.items)
	return nil
}

// Close останавливает таймеры без побочных эффектов: покупатель ушёл со страницы.
// Оплата, подтверждённая до Close, уже сверена, но в Succeeded оформление не переходит.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	poller := f.takePollerLocked()
	if f.successTimer != nil {
		f.successTimer.Stop()
		f.successTimer = nil
	}
	f.finishLocked()
	f.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
	f.cancel()
}

// Snapshot возвращает текущее состояние.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Snapshot{
		FlowID:      f.id,
		BuyerID:     f.buyerID,
		State:       f.state,
		Order:       f.order,
		Payment:     f.payment,
		Items:       append([]domain.LineItem(nil), f.items...),
		TotalAmount: f.total,
		Polling:     f.poller != nil && f.poller.Running(),
		Err:         f.lastErr,
	}
}

// State возвращает текущее состояние автомата.
func (f *Flow) State() domain.CheckoutState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) preconditions() error {
	switch {
	case !f.session.Valid():
		f.deps.Navigator.ToLogin()
		return domain.ErrUnauthenticated
	case len(f.items) == 0:
		f.deps.Navigator.ToCart()
		return domain.ErrCartEmpty
	case f.shipping == nil:
		f.deps.Navigator.ToShipping(f.items)
		return domain.ErrShippingRequired
	}
	if errs := domain.ValidateItems(f.items); len(errs) > 0 {
		f.deps.Navigator.ToCart()
		return errors.Join(errs...)
	}
	return nil
}

func (f *Flow) beginAttemptLocked() {
	f.state = domain.StateInitializing
	f.order = domain.OrderRef{}
	f.payment = domain.PaymentSession{}
	f.settled = false
	f.lastErr = nil
	f.active = true
	f.attemptStart = time.Now()
	f.finishedAt = time.Time{}
	if r, ok := f.deps.Navigator.(targetResetter); ok {
		r.ResetTarget()
	}
	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowStarted()
	}
}

// finishLocked закрывает учёт активной попытки; повторные вызовы ничего не делают.
func (f *Flow) finishLocked() {
	if !f.active {
		return
	}
	f.active = false
	f.finishedAt = time.Now()
	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowFinished(time.Since(f.attemptStart))
	}
}

// FinishedAt возвращает момент завершения последней попытки; ok=false, пока попытка идёт
// или ещё не начиналась.
func (f *Flow) FinishedAt() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active || f.finishedAt.IsZero() {
		return time.Time{}, false
	}
	return f.finishedAt, true
}

func (f *Flow) initialize(ctx context.Context) error {
	ref, err := f.createOrder(ctx)
	if err != nil {
		return f.abort(err)
	}

	f.mu.Lock()
	if f.state != domain.StateInitializing {
		f.mu.Unlock()
		f.discardOrder(ctx, ref)
		return fmt.Errorf("%w: checkout left initialization", domain.ErrInvalidTransition)
	}
	f.order = ref
	f.mu.Unlock()

	tx, err := f.createTransaction(ctx, ref)
	if err != nil {
		return f.abort(err)
	}

	f.mu.Lock()
	if f.state != domain.StateInitializing {
		f.mu.Unlock()
		return fmt.Errorf("%w: checkout left initialization", domain.ErrInvalidTransition)
	}
	f.payment = domain.PaymentSession{
		OrderID:          ref.OrderID,
		TransactionToken: tx.Token,
		PaymentURL:       tx.RedirectURL,
		Status:           domain.SessionStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	f.state = domain.StateAwaitingConfirmation
	f.startPollingLocked()
	record := f.resumeRecordLocked()
	f.mu.Unlock()

	logger := f.logger.WithField("order_id", ref.OrderID)
	logger.Info("payment transaction created, awaiting confirmation")

	if f.deps.Sessions != nil {
		if err := f.deps.Sessions.Save(context.WithoutCancel(ctx), record); err != nil {
			logger.WithError(err).Warn("save payment session record failed")
		}
	}
	f.openWindowLater(tx.RedirectURL)
	f.deps.Events.Record(f.id, ref.OrderID, EventPaymentPending, map[string]interface{}{
		"db_id":        ref.DBID,
		"total_amount": f.total,
	})
	return nil
}

func (f *Flow) createOrder(ctx context.Context) (domain.OrderRef, error) {
	start := time.Now()
	ref, err := f.deps.Store.CreateOrder(ctx, domain.CreateOrderRequest{
		BuyerID:     f.buyerID,
		Shipping:    *f.shipping,
		Items:       f.items,
		TotalAmount: f.total,
	})
	f.observeStep(domain.StepCreateOrder, start)
	if err != nil {
		if errors.Is(err, domain.ErrOrderCreation) {
			return domain.OrderRef{}, err
		}
		return domain.OrderRef{}, fmt.Errorf("%w: %w", domain.ErrOrderCreation, err)
	}
	if ref.OrderID == "" || ref.DBID == "" {
		return domain.OrderRef{}, fmt.Errorf("%w: missing order reference", domain.ErrOrderCreation)
	}
	return ref, nil
}

func (f *Flow) createTransaction(ctx context.Context, ref domain.OrderRef) (domain.Transaction, error) {
	start := time.Now()
	tx, err := f.deps.Gateway.CreateTransaction(ctx, domain.TransactionRequest{
		OrderID:  ref.OrderID,
		Amount:   f.total,
		Customer: f.shipping.Customer(),
	})
	f.observeStep(domain.StepCreateTransaction, start)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayInit) {
			return domain.Transaction{}, err
		}
		return domain.Transaction{}, fmt.Errorf("%w: %w", domain.ErrGatewayInit, err)
	}
	if tx.RedirectURL == "" || tx.Token == "" {
		return domain.Transaction{}, fmt.Errorf("%w: incomplete transaction data", domain.ErrGatewayInit)
	}
	return tx, nil
}

// abort переводит попытку в Errored. Если оформление уже отменено, состояние не трогаем.
func (f *Flow) abort(err error) error {
	f.mu.Lock()
	if f.state != domain.StateInitializing {
		f.mu.Unlock()
		return err
	}
	f.state = domain.StateErrored
	f.lastErr = err
	order := f.order
	f.finishLocked()
	f.mu.Unlock()

	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordFlowErrored()
	}
	f.logger.WithError(err).WithField("order_id", order.OrderID).Error("checkout initialization failed")
	f.deps.Events.Record(f.id, order.OrderID, EventCheckoutErrored, map[string]interface{}{
		"reason": err.Error(),
	})
	if errors.Is(err, domain.ErrUnauthenticated) {
		f.deps.Navigator.ToLogin()
	}
	return err
}

// discardOrder удаляет заказ, созданный уже после отмены оформления.
func (f *Flow) discardOrder(ctx context.Context, ref domain.OrderRef) {
	f.bestEffort(context.WithoutCancel(ctx), ref.OrderID, domain.StepDeleteOrder, func(ctx context.Context) error {
		return f.deps.Store.DeleteOrder(ctx, ref.DBID)
	})
}

func (f *Flow) openWindowLater(url string) {
	go func() {
		timer := time.NewTimer(f.cfg.WindowOpenDelay)
		defer timer.Stop()
		select {
		case <-f.ctx.Done():
			return
		case <-timer.C:
		}

		f.mu.Lock()
		open := f.state == domain.StateAwaitingConfirmation && f.payment.PaymentURL == url
		f.mu.Unlock()
		if open {
			f.deps.Window.Open(url)
		}
	}()
}

func (f *Flow) startPollingLocked() {
	var p *Poller
	p = NewPoller(f.cfg, f.tick, func() { f.pollingExhausted(p) })
	f.poller = p
	p.Start(f.ctx)
}

func (f *Flow) takePollerLocked() *Poller {
	p := f.poller
	f.poller = nil
	return p
}

// tick вызывается таймером. Проверка выполняется в отдельной горутине, чтобы цикл
// таймера не зависел от шлюза; тик во время идущей проверки отбрасывается.
func (f *Flow) tick() {
	if !f.verifying.CompareAndSwap(false, true) {
		f.recordCheck(metrics.CheckResultDropped)
		f.logger.Debug("status check still running, tick dropped")
		return
	}
	go func() {
		defer f.verifying.Store(false)
		f.verify(f.ctx)
	}()
}

func (f *Flow) pollingExhausted(p *Poller) {
	f.mu.Lock()
	if f.poller != p {
		f.mu.Unlock()
		return
	}
	f.poller = nil
	f.payment.ManualCheckRequired = true
	orderID := f.order.OrderID
	f.mu.Unlock()

	f.logger.WithField("order_id", orderID).Warn("payment polling time limit reached, manual check required")
	f.deps.Events.Record(f.id, orderID, EventManualCheck, nil)
}

func (f *Flow) recordCheck(result string) {
	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordStatusCheck(result)
	}
}

func (f *Flow) observeStep(step domain.CheckoutStep, start time.Time) {
	if f.deps.Metrics != nil {
		f.deps.Metrics.RecordStepDuration(string(step), time.Since(start))
	}
}

func (f *Flow) resumeRecordLocked() domain.ResumeRecord {
	now := time.Now().UTC()
	return domain.ResumeRecord{
		FlowID:      f.id,
		OrderID:     f.order.OrderID,
		DBID:        f.order.DBID,
		BuyerID:     f.buyerID,
		Status:      f.payment.Status,
		PaymentURL:  f.payment.PaymentURL,
		Token:       f.payment.TransactionToken,
		TotalAmount: f.total,
		Items:       append([]domain.LineItem(nil), f.items...),
		Shipping:    *f.shipping,
		CreatedAt:   f.payment.CreatedAt,
		UpdatedAt:   now,
	}
}

func (f *Flow) dropResume(ctx context.Context, orderID string) {
	if f.deps.Sessions == nil || orderID == "" {
		return
	}
	if err := f.deps.Sessions.Delete(ctx, orderID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		f.logger.WithError(err).WithField("order_id", orderID).Warn("delete payment session record failed")
	}
}
