package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/batikpay/internal/service/checkout"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
)

// Config описывает настройки запуска сервиса оформления.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	GRPCAddr    string
	ServiceName string

	StoreAPIURL       string
	GatewayURL        string
	HTTPClientTimeout time.Duration
	// JWTSecret включает проверку подписи bearer-токенов; при пустом значении токен только разбирается.
	JWTSecret string

	PollStartDelay      time.Duration
	PollInterval        time.Duration
	PollBackoffFactor   float64
	PollMaxInterval     time.Duration
	PollMaxElapsed      time.Duration
	WindowOpenDelay     time.Duration
	SuccessDisplayDelay time.Duration
	ShippingCost        int64

	StorageDriver        string
	PostgresDSN          string
	PostgresAutoMigrate  bool
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	ResumeTTL            time.Duration
	SessionPurgeInterval time.Duration
	// FlowRetention — сколько завершённое оформление доступно по FlowID до вытеснения из памяти.
	FlowRetention time.Duration

	// KafkaBrokers — список брокеров через запятую; пусто — Kafka выключена.
	KafkaBrokers            string
	KafkaClientID           string
	KafkaEventsTopic        string
	KafkaNotificationsTopic string
	KafkaConsumerGroup      string
	KafkaMaxRetries         int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// DefaultConfig возвращает настройки для локального запуска: память вместо БД, Kafka выключена.
func DefaultConfig() Config {
	checkoutDefaults := checkout.DefaultConfig()
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		ServiceName: "batikpay-checkout",

		StoreAPIURL:       "http://localhost:5000/api",
		GatewayURL:        "http://localhost:5000/api/payment",
		HTTPClientTimeout: 10 * time.Second,

		PollStartDelay:      checkoutDefaults.StartDelay,
		PollInterval:        checkoutDefaults.Interval,
		PollBackoffFactor:   checkoutDefaults.BackoffFactor,
		WindowOpenDelay:     checkoutDefaults.WindowOpenDelay,
		SuccessDisplayDelay: checkoutDefaults.SuccessDisplayDelay,
		ShippingCost:        domain.ShippingSurcharge,

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		RedisAddr:            "localhost:6379",
		ResumeTTL:            24 * time.Hour,
		SessionPurgeInterval: 10 * time.Minute,
		FlowRetention:        checkout.DefaultFlowRetention,

		KafkaClientID:           "batikpay-checkout",
		KafkaEventsTopic:        kafka.TopicCheckoutEvents,
		KafkaNotificationsTopic: kafka.TopicPaymentNotifications,
		KafkaConsumerGroup:      "batikpay-checkout",
		KafkaMaxRetries:         3,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   200 * time.Millisecond,
		OutboxMaxPending:   1000,

		OTLPInsecure:     true,
		TraceSampleRatio: 1,
	}
}

// LoadConfigFromEnv накладывает переменные BATIK_* на DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	env := envReader{}

	env.str("BATIK_HTTP_ADDR", &cfg.HTTPAddr)
	env.str("BATIK_METRICS_ADDR", &cfg.MetricsAddr)
	env.str("BATIK_GRPC_ADDR", &cfg.GRPCAddr)
	env.str("BATIK_SERVICE_NAME", &cfg.ServiceName)

	env.str("BATIK_STORE_API_URL", &cfg.StoreAPIURL)
	env.str("BATIK_GATEWAY_URL", &cfg.GatewayURL)
	env.duration("BATIK_HTTP_CLIENT_TIMEOUT", &cfg.HTTPClientTimeout)
	env.str("BATIK_JWT_SECRET", &cfg.JWTSecret)

	env.duration("BATIK_POLL_START_DELAY", &cfg.PollStartDelay)
	env.duration("BATIK_POLL_INTERVAL", &cfg.PollInterval)
	env.float("BATIK_POLL_BACKOFF_FACTOR", &cfg.PollBackoffFactor)
	env.duration("BATIK_POLL_MAX_INTERVAL", &cfg.PollMaxInterval)
	env.duration("BATIK_POLL_MAX_ELAPSED", &cfg.PollMaxElapsed)
	env.duration("BATIK_WINDOW_OPEN_DELAY", &cfg.WindowOpenDelay)
	env.duration("BATIK_SUCCESS_DISPLAY_DELAY", &cfg.SuccessDisplayDelay)
	env.integer64("BATIK_SHIPPING_COST", &cfg.ShippingCost)

	env.str("BATIK_STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("BATIK_POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("BATIK_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.str("BATIK_REDIS_ADDR", &cfg.RedisAddr)
	env.str("BATIK_REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("BATIK_REDIS_DB", &cfg.RedisDB)
	env.duration("BATIK_RESUME_TTL", &cfg.ResumeTTL)
	env.duration("BATIK_SESSION_PURGE_INTERVAL", &cfg.SessionPurgeInterval)
	env.duration("BATIK_FLOW_RETENTION", &cfg.FlowRetention)

	env.str("BATIK_KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("BATIK_KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	env.str("BATIK_KAFKA_EVENTS_TOPIC", &cfg.KafkaEventsTopic)
	env.str("BATIK_KAFKA_NOTIFICATIONS_TOPIC", &cfg.KafkaNotificationsTopic)
	env.str("BATIK_KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	env.integer("BATIK_KAFKA_MAX_RETRIES", &cfg.KafkaMaxRetries)

	env.duration("BATIK_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("BATIK_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("BATIK_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("BATIK_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	env.integer("BATIK_OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)

	env.str("BATIK_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	env.boolean("BATIK_OTLP_INSECURE", &cfg.OTLPInsecure)
	env.float("BATIK_TRACE_SAMPLE_RATIO", &cfg.TraceSampleRatio)

	if env.err != nil {
		return Config{}, env.err
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("BATIK_POSTGRES_DSN is required for %s storage", StorageDriverPostgres)
		}
	case StorageDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("BATIK_REDIS_ADDR is required for %s storage", StorageDriverRedis)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.StorageDriver)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.FlowRetention <= 0 {
		return fmt.Errorf("flow retention must be positive, got %s", c.FlowRetention)
	}
	if c.ShippingCost < 0 {
		return fmt.Errorf("shipping cost must be non-negative, got %d", c.ShippingCost)
	}
	if c.StoreAPIURL == "" || c.GatewayURL == "" {
		return fmt.Errorf("store api and gateway urls are required")
	}
	return nil
}

// KafkaBrokerList разбирает KafkaBrokers.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func (c Config) checkoutConfig() checkout.Config {
	return checkout.Config{
		StartDelay:          c.PollStartDelay,
		Interval:            c.PollInterval,
		BackoffFactor:       c.PollBackoffFactor,
		MaxInterval:         c.PollMaxInterval,
		MaxElapsed:          c.PollMaxElapsed,
		WindowOpenDelay:     c.WindowOpenDelay,
		SuccessDisplayDelay: c.SuccessDisplayDelay,
	}
}

// envReader запоминает первую ошибку разбора, чтобы не проверять каждую переменную отдельно.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.lookup(key); ok {
		*dst = value
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = d
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = n
}

func (r *envReader) integer64(key string, dst *int64) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = b
}
