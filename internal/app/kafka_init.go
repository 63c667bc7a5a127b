package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/batikpay/internal/service/checkout"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Ошибка подключения не фатальна: сервис продолжает работу без публикации событий.
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer
}

// initNotificationConsumer подписывает менеджер оформлений на уведомления шлюза.
func initNotificationConsumer(cfg Config, producer *kafka.Producer, manager *checkout.Manager, logger *log.Entry) *kafka.Consumer {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 || producer == nil {
		return nil
	}

	consumerLogger := logger.WithField("component", "kafka-consumer")
	consumer, err := kafka.NewConsumer(
		brokers,
		cfg.KafkaConsumerGroup,
		[]string{cfg.KafkaNotificationsTopic},
		kafka.NewPaymentNotificationHandler(manager, consumerLogger),
		kafka.WithConsumerLogger(consumerLogger),
		kafka.WithDLQ(producer, cfg.KafkaMaxRetries),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, payment notifications disabled")
		return nil
	}
	return consumer
}

func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

func stopKafkaConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
