package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/messaging/kafka"
)

var errNotReplayable = errors.New("message is not a dlq envelope")

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// replayDeps — соединения с Kafka; producer равен nil в режиме dry-run.
type replayDeps struct {
	client   offsetClient
	source   partitionSource
	producer replayProducer
}

func (d replayDeps) close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.source != nil {
		_ = d.source.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	return s.consumer.Close()
}

var newReplayDependencies = func(cfg config) (replayDeps, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := replayDeps{client: client, source: saramaSource{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		deps.close()
		return replayDeps{}, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.producer = producer
	return deps, nil
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg    config
	deps   replayDeps
	logger *log.Entry
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var totals replayStats
	if r.deps.client == nil || r.deps.source == nil {
		return totals, fmt.Errorf("kafka client and consumer are required")
	}
	if r.cfg.execute && r.deps.producer == nil {
		return totals, fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := r.deps.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return totals, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", r.cfg.sourceTopic).Warn("source topic has no partitions")
		return totals, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if totals.processed >= r.cfg.limit {
			break
		}
		stats, err := r.partition(ctx, partition, r.cfg.limit-totals.processed)
		totals.add(stats)
		if err != nil {
			return totals, err
		}
	}
	return totals, nil
}

// partition читает раздел от стартового смещения до снимка newest, не дожидаясь новых сообщений.
func (r *replayer) partition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := r.deps.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.processed++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	out, err := extractReplayMessage(msg, r.cfg.targetTopic)
	if err != nil {
		if !errors.Is(err, errNotReplayable) {
			entry.WithError(err).Warn("skip unsupported dlq message")
		}
		return false, nil
	}
	if r.cfg.orderID != "" && messageKey(out) != r.cfg.orderID {
		return false, nil
	}

	entry = entry.WithFields(log.Fields{"target_topic": out.Topic})
	if !r.cfg.execute {
		entry.Info("dlq replay candidate")
		return true, nil
	}
	if _, _, err := r.deps.producer.SendMessage(out); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	entry.Debug("dlq message replayed")
	return true, nil
}

// consumerDeadLetter — запись, которую консьюмер уведомлений кладёт в DLQ после исчерпания попыток.
type consumerDeadLetter struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// outboxDeadLetter — полезная нагрузка события outbox, не опубликованного за все попытки.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// extractReplayMessage восстанавливает исходное сообщение из записи DLQ.
// Уведомления шлюза возвращаются в исходный topic, события outbox уходят в defaultTopic.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (*sarama.ProducerMessage, error) {
	var dead consumerDeadLetter
	if err := json.Unmarshal(msg.Value, &dead); err == nil && dead.OriginalValue != "" {
		topic := strings.TrimSpace(dead.OriginalTopic)
		if topic == "" {
			topic = defaultTopic
		}
		return newReplayMessage(topic, dead.OriginalKey, []byte(dead.OriginalValue), nil), nil
	}

	var envelope kafka.CheckoutEvent
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return nil, errNotReplayable
	}

	var outbox outboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &outbox); err != nil {
		return nil, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(outbox.Payload) == 0 {
		return nil, fmt.Errorf("outbox dlq payload does not contain original event payload")
	}

	event := kafka.CheckoutEvent{
		ID:            firstNonEmpty(outbox.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(outbox.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(outbox.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(outbox.EventType, envelope.EventType),
		Payload:       outbox.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode replay envelope: %w", err)
	}

	headers := []sarama.RecordHeader{{Key: []byte(kafka.HeaderEventType), Value: []byte(event.EventType)}}
	return newReplayMessage(defaultTopic, firstNonEmpty(event.AggregateID, event.ID), encoded, headers), nil
}

func newReplayMessage(topic, key string, value []byte, headers []sarama.RecordHeader) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg
}

func messageKey(msg *sarama.ProducerMessage) string {
	if msg.Key == nil {
		return ""
	}
	key, err := msg.Key.Encode()
	if err != nil {
		return ""
	}
	return string(key)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
