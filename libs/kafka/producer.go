package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

// Record headers stamped from the event envelope, so consumers can route
// and dedupe without decoding the body.
const (
	headerEventType     = "event_type"
	headerEventID       = "event_id"
	headerCorrelationID = "correlation_id"

	untypedEvent = "untyped"
)

// EventMetrics tracks settlement events handed to Kafka.
type EventMetrics struct {
	Published      *prometheus.CounterVec
	PublishSeconds *prometheus.HistogramVec
	DeadLettered   *prometheus.CounterVec
}

func NewEventMetrics(registry prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Settlement events sent to Kafka by topic, event type and outcome.",
			},
			[]string{"topic", "event_type", "outcome"},
		),
		PublishSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "settlement",
				Subsystem: "events",
				Name:      "publish_seconds",
				Help:      "Time for the brokers to acknowledge a settlement event.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"topic"},
		),
		DeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "events",
				Name:      "dead_lettered_total",
				Help:      "Settlement events diverted to the dead-letter topic after a failed publish.",
			},
			[]string{"topic", "event_type"},
		),
	}

	registry.MustRegister(m.Published, m.PublishSeconds, m.DeadLettered)
	return m
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// eventMeta returns the envelope of value, or a zero envelope for payloads
// that carry none.
func eventMeta(value any) Envelope {
	if e, ok := value.(interface{ Meta() Envelope }); ok {
		return e.Meta()
	}
	return Envelope{}
}

func eventTypeLabel(env Envelope) string {
	if env.EventType == "" {
		return untypedEvent
	}
	return env.EventType
}

func envelopeHeaders(env Envelope) []sarama.RecordHeader {
	var headers []sarama.RecordHeader
	add := func(k, v string) {
		if v != "" {
			headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}
	add(headerEventType, env.EventType)
	add(headerEventID, env.EventID)
	add(headerCorrelationID, env.CorrelationID)
	return headers
}

// DLQPublisher sends events that the primary publisher rejected to the
// dead-letter topic and still reports the original failure.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
	metrics  *EventMetrics
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{
		primary:  primary,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logger,
	}
}

func (p *DLQPublisher) WithMetrics(m *EventMetrics) *DLQPublisher {
	p.metrics = m
	return p
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil {
		return partition, offset, nil
	}
	if p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}

	env := eventMeta(value)
	dl := PublishDeadLetter(topic, key, value, err, 1)
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, dl); dlqErr != nil {
		p.logger.Error("settlement event lost: dead-letter publish failed",
			"topic", topic,
			"event_type", eventTypeLabel(env),
			"event_id", env.EventID,
			"dlq_topic", p.dlqTopic,
			"error", dlqErr,
		)
		return partition, offset, err
	}
	if p.metrics != nil {
		p.metrics.DeadLettered.WithLabelValues(topic, eventTypeLabel(env)).Inc()
	}
	p.logger.Warn("settlement event dead-lettered",
		"topic", topic,
		"event_type", eventTypeLabel(env),
		"event_id", env.EventID,
		"dead_letter_id", dl.EventID,
	)
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

// SyncProducer publishes settlement events and waits for every in-sync
// replica to acknowledge them.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *EventMetrics
}

func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *EventMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "settlement"
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	// events keyed by purchase or listing stay in order on one partition
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *EventMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

// PublishJSON encodes value as the record body and tags the record with the
// envelope fields value carries.
func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal settlement event: %w", err)
	}

	env := eventMeta(value)
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(payload),
		Headers: envelopeHeaders(env),
	}
	if !env.Timestamp.IsZero() {
		msg.Timestamp = env.Timestamp
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	if p.metrics != nil {
		outcome := "acked"
		if err != nil {
			outcome = "failed"
		}
		p.metrics.Published.WithLabelValues(topic, eventTypeLabel(env), outcome).Inc()
		p.metrics.PublishSeconds.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.logger.Error("settlement event publish failed",
			"topic", topic,
			"key", key,
			"event_type", eventTypeLabel(env),
			"event_id", env.EventID,
			"error", err,
		)
		return 0, 0, fmt.Errorf("publish %s: %w", eventTypeLabel(env), err)
	}
	p.logger.Debug("settlement event published",
		"topic", topic,
		"event_type", eventTypeLabel(env),
		"event_id", env.EventID,
		"partition", partition,
		"offset", offset,
	)
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
