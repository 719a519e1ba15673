package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AfshinJalili/contentex/libs/kafka"
	"github.com/google/uuid"
)

// Dispatcher takes the referral cascade off the request path.
type Dispatcher interface {
	DispatchCascade(ctx context.Context, purchaseID uuid.UUID) error
	Kind() string
}

// KafkaDispatcher publishes cascade tasks for the cascade consumer.
type KafkaDispatcher struct {
	publisher kafka.Publisher
	topic     string
	now       func() time.Time
}

func NewKafkaDispatcher(publisher kafka.Publisher, topic string) *KafkaDispatcher {
	if topic == "" {
		topic = DefaultCascadeTopic
	}
	return &KafkaDispatcher{
		publisher: publisher,
		topic:     topic,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *KafkaDispatcher) Kind() string { return "kafka" }

// DispatchCascade publishes a task keyed by purchase id. The event id is
// derived from the purchase and the dispatch time bucket, so retries inside
// one bucket collapse in the consumer's processed_events table while a later
// sweep still gets through.
func (d *KafkaDispatcher) DispatchCascade(ctx context.Context, purchaseID uuid.UUID) error {
	if d.publisher == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	now := d.now()
	bucket := now.Truncate(time.Minute).Format(time.RFC3339)
	eventID := kafka.DeterministicEventID(cascadeRequestedEventType, purchaseID.String(), bucket)
	env, err := kafka.NewEnvelopeWithID(eventID, cascadeRequestedEventType, 1, purchaseID.String())
	if err != nil {
		return err
	}
	event := CascadeRequestedEvent{
		Envelope:    env,
		PurchaseID:  purchaseID.String(),
		RequestedAt: now.Format(time.RFC3339Nano),
	}
	if _, _, err := d.publisher.PublishJSON(ctx, d.topic, purchaseID.String(), event); err != nil {
		return fmt.Errorf("publish cascade task: %w", err)
	}
	return nil
}

// Cascader runs a referral cascade. *Orchestrator implements it.
type Cascader interface {
	CascadeReferralPayouts(ctx context.Context, purchaseID uuid.UUID) (CascadeResult, error)
}

// AsyncDispatcher runs the cascade in-process on a detached goroutine.
// It is used when no Kafka brokers are configured.
type AsyncDispatcher struct {
	cascader Cascader
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewAsyncDispatcher(cascader Cascader, timeout time.Duration, logger *slog.Logger) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncDispatcher{cascader: cascader, timeout: timeout, logger: logger}
}

func (d *AsyncDispatcher) Kind() string { return "async" }

func (d *AsyncDispatcher) DispatchCascade(_ context.Context, purchaseID uuid.UUID) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		res, err := d.cascader.CascadeReferralPayouts(ctx, purchaseID)
		if err != nil {
			d.logger.Error("async referral cascade failed", "purchase_id", purchaseID, "error", err)
			return
		}
		d.logger.Debug("async referral cascade done", "purchase_id", purchaseID, "referral_status", res.Purchase.ReferralStatus)
	}()
	return nil
}

// Wait blocks until every dispatched cascade has returned.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
