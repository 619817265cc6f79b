package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/metrics"
)

// KafkaSink writes envelopes to one topic through an async producer, keyed
// by channel so each channel keeps its order within a partition
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	log      *logging.Logger
	metrics  *metrics.Metrics

	errorCount atomic.Int64
	closed     atomic.Bool
	wg         sync.WaitGroup
}

// NewKafkaProducerConfig is the producer configuration used by NewKafkaSink
func NewKafkaProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "matchbook"
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond
	cfg.Producer.Flush.Messages = 100
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	return cfg
}

func NewKafkaSink(brokers []string, topic string, log *logging.Logger, m *metrics.Metrics) (*KafkaSink, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewKafkaProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSinkFromProducer(producer, topic, log, m), nil
}

// NewKafkaSinkFromProducer wraps an existing producer. The producer must
// return errors and not successes.
func NewKafkaSinkFromProducer(producer sarama.AsyncProducer, topic string, log *logging.Logger, m *metrics.Metrics) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		log:      log.Named("kafka"),
		metrics:  m,
	}
	s.wg.Add(1)
	go s.handleErrors()
	return s
}

func (s *KafkaSink) Name() string { return "kafka" }

// Send hands env to the producer. Broker failures surface asynchronously and
// are logged and counted.
func (s *KafkaSink) Send(ctx context.Context, env Envelope) error {
	if s.closed.Load() {
		return fmt.Errorf("producer is closed")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(env.Channel),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(env.Event)},
			{Key: []byte("id"), Value: []byte(env.ID)},
		},
	}
	select {
	case s.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns how many messages the producer failed to deliver
func (s *KafkaSink) Errors() int64 {
	return s.errorCount.Load()
}

func (s *KafkaSink) handleErrors() {
	defer s.wg.Done()
	for err := range s.producer.Errors() {
		s.errorCount.Add(1)
		s.metrics.EventPublishError(s.Name())
		s.log.Error("send error", zap.String("topic", err.Msg.Topic), zap.Error(err.Err))
	}
}

// Close flushes buffered messages and waits for the error stream to end
func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.producer.AsyncClose()
	s.wg.Wait()
	return nil
}
