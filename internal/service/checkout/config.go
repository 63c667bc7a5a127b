package checkout

import "time"

// Config задаёт тайминги оформления.
type Config struct {
	// StartDelay — пауза после открытия окна оплаты, прежде чем запустить таймер опроса.
	// Первая проверка статуса наступает через StartDelay+Interval.
	StartDelay time.Duration
	// Interval — период опроса шлюза.
	Interval time.Duration
	// BackoffFactor > 1 увеличивает период после каждого тика.
	BackoffFactor float64
	// MaxInterval ограничивает рост периода, 0 снимает ограничение.
	MaxInterval time.Duration
	// MaxElapsed > 0 останавливает опрос и требует ручной проверки.
	MaxElapsed time.Duration
	// WindowOpenDelay — задержка перед открытием страницы оплаты.
	WindowOpenDelay time.Duration
	// SuccessDisplayDelay — пауза между сверкой и переходом на экран подтверждения.
	SuccessDisplayDelay time.Duration
}

// DefaultConfig возвращает фиксированный опрос каждые 5 секунд без ограничения по времени.
func DefaultConfig() Config {
	return Config{
		StartDelay:          5 * time.Second,
		Interval:            5 * time.Second,
		BackoffFactor:       1,
		WindowOpenDelay:     500 * time.Millisecond,
		SuccessDisplayDelay: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StartDelay < 0 {
		c.StartDelay = 0
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.MaxInterval > 0 && c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.WindowOpenDelay < 0 {
		c.WindowOpenDelay = 0
	}
	if c.SuccessDisplayDelay < 0 {
		c.SuccessDisplayDelay = 0
	}
	return c
}
