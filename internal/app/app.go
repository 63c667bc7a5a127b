// Package app собирает сервис оформления оплаты: хранилища, клиенты, менеджер оформлений и серверы.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/client/gateway"
	"github.com/vladislavdragonenkov/batikpay/internal/client/storeapi"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/batikpay/internal/health"
	"github.com/vladislavdragonenkov/batikpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/batikpay/internal/metrics"
	"github.com/vladislavdragonenkov/batikpay/internal/service/checkout"
	"github.com/vladislavdragonenkov/batikpay/internal/service/httpapi"
	"github.com/vladislavdragonenkov/batikpay/internal/service/outbox"
	"github.com/vladislavdragonenkov/batikpay/internal/service/retention"
	"github.com/vladislavdragonenkov/batikpay/internal/telemetry"
	"github.com/vladislavdragonenkov/batikpay/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run запускает сервис и блокируется до отмены ctx или ошибки одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version.GetVersion(),
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(shutdownTracing, logger)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	checkoutMetrics := metrics.NewCheckoutMetrics()
	events := checkout.NewEventRecorder(deps.outboxRepo, deps.timelineRepo, checkoutMetrics, logger.WithField("component", "checkout-events"))

	storeClient := storeapi.New(cfg.StoreAPIURL, cfg.HTTPClientTimeout, logger.WithField("component", "storeapi"))
	gatewayClient := gateway.New(cfg.GatewayURL, cfg.HTTPClientTimeout, logger.WithField("component", "gateway"))

	manager := checkout.NewManager(
		cfg.checkoutConfig(),
		func(session auth.Session) domain.StoreAPI { return storeClient.ForSession(session) },
		gatewayClient,
		checkout.WithSessionStore(deps.sessions),
		checkout.WithEventRecorder(events),
		checkout.WithMetrics(checkoutMetrics),
		checkout.WithFlowRetention(cfg.FlowRetention),
		checkout.WithLogger(logger.WithField("component", "checkout-manager")),
	)
	defer manager.Shutdown()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}

	// Kafka: публикация outbox и уведомления шлюза.
	kafkaProducer := initKafkaProducer(cfg, logger)
	defer closeKafkaProducer(kafkaProducer, logger)

	var stopOutbox context.CancelFunc
	var outboxDone chan struct{}
	if kafkaProducer != nil {
		worker := outbox.NewWorker(
			deps.outboxRepo,
			kafka.NewOutboxPublisher(kafkaProducer, cfg.KafkaEventsTopic),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)),
			outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		var outboxCtx context.Context
		outboxCtx, stopOutbox = context.WithCancel(ctx)
		outboxDone = make(chan struct{})
		go func() {
			defer close(outboxDone)
			worker.Run(outboxCtx)
		}()
		healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending, 0))
	}
	defer shutdownOutboxWorker(stopOutbox, outboxDone, logger)

	consumer := initNotificationConsumer(cfg, kafkaProducer, manager, logger)
	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer")
			consumer = nil
		}
	}
	defer stopKafkaConsumer(consumer, logger)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	purgeWorker := retention.NewPurgeWorker(retention.Chain(deps.purger, manager),
		retention.WithInterval(cfg.SessionPurgeInterval),
		retention.WithMetrics(metrics.NewRetentionMetricsWithRegisterer(prometheus.DefaultRegisterer)),
		retention.WithLogger(logger.WithField("component", "checkout-purge-worker")),
	)
	go purgeWorker.Run(purgeCtx)

	// HTTP API оформления.
	handler := httpapi.NewHandler(manager, auth.NewParser(cfg.JWTSecret),
		httpapi.WithShippingCost(cfg.ShippingCost),
		httpapi.WithProfiles(func(session auth.Session) domain.ShippingProfiles { return storeClient.ForSession(session) }),
		httpapi.WithLogger(logger.WithField("component", "checkout-http")),
	)
	apiSrv := &http.Server{
		Handler:           httpapi.NewRouter(cfg.ServiceName, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}

	metricsSrv, err := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	if err != nil {
		_ = apiLis.Close()
		return err
	}
	defer shutdownHTTP(metricsSrv, logger)

	// gRPC health для оркестраторов контейнеров.
	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiLis.Close()
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("checkout API listening on %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("gRPC health listening on %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed")
	}

	healthServer.Shutdown()
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, logger)
	return runErr
}

func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// startMetricsServer поднимает /metrics и probe-эндпоинты.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics available at %s/metrics", lis.Addr())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv, nil
}

func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing gRPC stop")
		server.Stop()
	}
}

func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("outbox worker stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn("outbox worker stop timed out")
	}
}

func shutdownTracer(shutdown telemetry.ShutdownFunc, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.WithError(err).Warn("tracer shutdown with error")
	}
}
