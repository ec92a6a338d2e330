package ingress

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/realtime"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

// kafkaSubscription adapts one topic consumer to the broker's Subscription
// interface. The consumer group id includes the instance id, so every gateway
// instance sees every event instead of sharing the topic's partitions.
type kafkaSubscription struct {
	reader *kafka.Reader
	out    chan realtime.PubSubMessage
	cancel context.CancelFunc
	logger *logrus.Entry
}

// NewTopicSubscription starts consuming one topic and returns it as a feed
// the message broker can drain.
func NewTopicSubscription(cfg *config.KafkaConfig, topic, instanceID string) realtime.Subscription {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupPrefix + "-" + instanceID,
		Topic:    topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		Dialer: &kafka.Dialer{
			Timeout:   cfg.DialTimeout,
			DualStack: true,
		},
		MaxWait: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &kafkaSubscription{
		reader: reader,
		out:    make(chan realtime.PubSubMessage),
		cancel: cancel,
		logger: logger.Component("kafka_ingress").WithField("topic", topic),
	}

	go s.pump(ctx)

	s.logger.WithField("brokers", cfg.Brokers).Info("Kafka ingress started")
	return s
}

func (s *kafkaSubscription) pump(ctx context.Context) {
	defer close(s.out)

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			metrics.RecordError("consume", "kafka_ingress")
			s.logger.WithError(err).Warn("Failed to read message")
			continue
		}

		select {
		case s.out <- realtime.PubSubMessage{Channel: msg.Topic, Payload: msg.Value}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *kafkaSubscription) Messages() <-chan realtime.PubSubMessage {
	return s.out
}

func (s *kafkaSubscription) Close() error {
	s.cancel()
	return s.reader.Close()
}
