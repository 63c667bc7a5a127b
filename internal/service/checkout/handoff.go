package checkout

import (
	"sync"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

// Target — экран, которому оформление передало управление.
type Target string

const (
	TargetNone         Target = ""
	TargetCart         Target = "cart"
	TargetLogin        Target = "login"
	TargetShipping     Target = "shipping"
	TargetConfirmation Target = "confirmation"
)

// Handoff запоминает последние передачи управления и открытия окна оплаты,
// чтобы HTTP-клиент мог их забрать вместе с состоянием оформления.
type Handoff struct {
	mu           sync.Mutex
	target       Target
	confirmation *domain.Confirmation
	cart         []domain.LineItem
	paymentURL   string
	opens        int
}

// HandoffView — снимок Handoff.
type HandoffView struct {
	Target       Target
	Confirmation *domain.Confirmation
	Cart         []domain.LineItem
	PaymentURL   string
	WindowOpens  int
}

var (
	_ domain.Navigator     = (*Handoff)(nil)
	_ domain.PaymentWindow = (*Handoff)(nil)
)

func NewHandoff() *Handoff {
	return &Handoff{}
}

func (h *Handoff) ToCart()  { h.set(TargetCart) }
func (h *Handoff) ToLogin() { h.set(TargetLogin) }

func (h *Handoff) ToShipping(items []domain.LineItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = TargetShipping
	h.cart = append([]domain.LineItem(nil), items...)
}

func (h *Handoff) ToConfirmation(c domain.Confirmation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = TargetConfirmation
	h.confirmation = &c
}

// Open запоминает адрес страницы оплаты; открывает её клиент.
func (h *Handoff) Open(paymentURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paymentURL = paymentURL
	h.opens++
}

// ResetTarget забывает передачу управления прошлой попытки. Окно оплаты не трогает.
func (h *Handoff) ResetTarget() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = TargetNone
	h.confirmation = nil
	h.cart = nil
}

func (h *Handoff) set(target Target) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = target
}

// View возвращает копию текущего состояния.
func (h *Handoff) View() HandoffView {
	h.mu.Lock()
	defer h.mu.Unlock()

	view := HandoffView{
		Target:      h.target,
		Cart:        append([]domain.LineItem(nil), h.cart...),
		PaymentURL:  h.paymentURL,
		WindowOpens: h.opens,
	}
	if h.confirmation != nil {
		c := *h.confirmation
		view.Confirmation = &c
	}
	return view
}
