package checkout

import (
	"context"
	"sync"
	"time"
)

// Poller — таймер опроса шлюза. Первый тик наступает через StartDelay+Interval,
// дальше каждые Interval (с учётом BackoffFactor).
type Poller struct {
	cfg         Config
	tick        func()
	onExhausted func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPoller создаёт остановленный таймер. tick не должен блокироваться надолго:
// пока он выполняется, следующий тик не планируется.
func NewPoller(cfg Config, tick func(), onExhausted func()) *Poller {
	return &Poller{
		cfg:         cfg.withDefaults(),
		tick:        tick,
		onExhausted: onExhausted,
	}
}

// Start запускает цикл опроса. Повторный вызов на работающем таймере ничего не делает.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(loopCtx, p.done)
}

// Stop отменяет таймер и дожидается выхода цикла: после возврата ни один тик не сработает.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
}

// Running сообщает, что цикл опроса активен.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	started := time.Now()
	interval := p.cfg.Interval

	timer := time.NewTimer(p.firstDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if ctx.Err() != nil {
			return
		}
		p.tick()

		interval = p.nextInterval(interval)
		if p.cfg.MaxElapsed > 0 && time.Since(started)+interval > p.cfg.MaxElapsed {
			p.exhaust()
			return
		}
		timer.Reset(interval)
	}
}

// firstDelay — время от Start до первого тика. С DefaultConfig это 10 секунд.
func (p *Poller) firstDelay() time.Duration {
	return p.cfg.StartDelay + p.cfg.Interval
}

func (p *Poller) nextInterval(current time.Duration) time.Duration {
	if p.cfg.BackoffFactor <= 1 {
		return current
	}
	next := time.Duration(float64(current) * p.cfg.BackoffFactor)
	if p.cfg.MaxInterval > 0 && next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	return next
}

func (p *Poller) exhaust() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	if p.onExhausted != nil {
		p.onExhausted()
	}
}
