// Package sink publishes counted crossings to downstream consumers.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/models"
)

type KafkaConfig struct {
	BootstrapServers string        `mapstructure:"bootstrap_servers"`
	Topic            string        `mapstructure:"topic"`
	SecurityProtocol string        `mapstructure:"security_protocol"`
	SASLMechanism    string        `mapstructure:"sasl_mechanism"`
	SASLUsername     string        `mapstructure:"sasl_username"`
	SASLPassword     string        `mapstructure:"sasl_password"`
	CompressionType  string        `mapstructure:"compression_type"`
	Acks             string        `mapstructure:"acks"`
	LingerMS         int           `mapstructure:"linger_ms"`
	MessageTimeout   time.Duration `mapstructure:"message_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
}

func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BootstrapServers: "localhost:9092",
		Topic:            "gate-crossings",
		SecurityProtocol: "PLAINTEXT",
		CompressionType:  "snappy",
		Acks:             "all",
		LingerMS:         10,
		MessageTimeout:   30 * time.Second,
		MaxRetries:       3,
		FlushTimeout:     10 * time.Second,
	}
}

func (c KafkaConfig) Validate() error {
	if c.BootstrapServers == "" {
		return errors.New("kafka bootstrap servers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if strings.HasPrefix(strings.ToUpper(c.SecurityProtocol), "SASL") && c.SASLUsername == "" {
		return fmt.Errorf("kafka security protocol %s requires a SASL username", c.SecurityProtocol)
	}
	return nil
}

func (c KafkaConfig) configMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":  c.BootstrapServers,
		"security.protocol":  c.SecurityProtocol,
		"compression.type":   c.CompressionType,
		"acks":               c.Acks,
		"linger.ms":          c.LingerMS,
		"enable.idempotence": c.Acks == "all",
	}
	if c.MessageTimeout > 0 {
		_ = cm.SetKey("message.timeout.ms", int(c.MessageTimeout.Milliseconds()))
	}
	if strings.HasPrefix(strings.ToUpper(c.SecurityProtocol), "SASL") {
		_ = cm.SetKey("sasl.mechanism", c.SASLMechanism)
		_ = cm.SetKey("sasl.username", c.SASLUsername)
		_ = cm.SetKey("sasl.password", c.SASLPassword)
	}
	return cm
}

type PublisherStats struct {
	Sent    int64 `json:"sent"`
	Acked   int64 `json:"acked"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

// KafkaPublisher produces one JSON message per crossing, keyed by stream so
// each stream's crossings stay ordered within a partition.
type KafkaPublisher struct {
	producer     *kafka.Producer
	config       KafkaConfig
	logger       *zap.Logger
	deliveryChan chan kafka.Event

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewKafkaPublisher(config KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p, err := kafka.NewProducer(config.configMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer:     p,
		config:       config,
		logger:       logger,
		deliveryChan: make(chan kafka.Event, 1024),
		done:         make(chan struct{}),
	}

	kp.wg.Add(1)
	go kp.handleDeliveryReports()

	logger.Info("Kafka publisher initialized",
		zap.String("topic", config.Topic),
		zap.String("servers", config.BootstrapServers))
	return kp, nil
}

func (kp *KafkaPublisher) handleDeliveryReports() {
	defer kp.wg.Done()

	for {
		select {
		case <-kp.done:
			return
		case e := <-kp.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				kp.failed.Add(1)
				kp.logger.Warn("Crossing delivery failed",
					zap.ByteString("key", m.Key),
					zap.Error(m.TopicPartition.Error))
				continue
			}
			kp.acked.Add(1)
		}
	}
}

func crossingMessage(topic *string, ev *models.CrossingEvent) (*kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize crossing: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.StreamID),
		Value:          payload,
		Timestamp:      ev.Time,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID.String())},
			{Key: "direction", Value: []byte(ev.Direction)},
		},
	}, nil
}

// RecordCrossing queues ev for delivery. Delivery itself is asynchronous;
// delivery failures show up in Stats.
func (kp *KafkaPublisher) RecordCrossing(ctx context.Context, ev *models.CrossingEvent) error {
	message, err := crossingMessage(&kp.config.Topic, ev)
	if err != nil {
		return err
	}

	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= kp.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff << (attempt - 1)):
			}
		}

		err := kp.producer.Produce(message, kp.deliveryChan)
		if err == nil {
			kp.sent.Add(1)
			return nil
		}
		lastErr = err

		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) && !kafkaErr.IsRetriable() && kafkaErr.Code() != kafka.ErrQueueFull {
			break
		}
	}

	return fmt.Errorf("failed to produce crossing %s: %w", ev.ID, lastErr)
}

func (kp *KafkaPublisher) Stats() PublisherStats {
	sent, acked, failed := kp.sent.Load(), kp.acked.Load(), kp.failed.Load()
	pending := sent - acked - failed
	if pending < 0 {
		pending = 0
	}
	return PublisherStats{Sent: sent, Acked: acked, Failed: failed, Pending: pending}
}

// Close flushes outstanding messages and shuts the producer down.
func (kp *KafkaPublisher) Close() {
	kp.closeOnce.Do(func() {
		remaining := kp.producer.Flush(int(kp.config.FlushTimeout.Milliseconds()))
		if remaining > 0 {
			kp.logger.Warn("Messages still queued after flush", zap.Int("remaining", remaining))
		}

		close(kp.done)
		kp.wg.Wait()
		kp.producer.Close()

		stats := kp.Stats()
		kp.logger.Info("Kafka publisher closed",
			zap.Int64("sent", stats.Sent),
			zap.Int64("acked", stats.Acked),
			zap.Int64("failed", stats.Failed))
	})
}
