// Package consumer executes referral cascade tasks read from Kafka.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/contentex/libs/kafka"
	"github.com/AfshinJalili/contentex/services/settlement/internal/payout"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
}

type Metrics interface {
	ObserveCascadeTask(status string)
}

type CascadeConsumer struct {
	events   EventStore
	cascader payout.Cascader
	logger   *slog.Logger
	metrics  Metrics
}

func NewCascadeConsumer(events EventStore, cascader payout.Cascader, logger *slog.Logger, metrics Metrics) *CascadeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CascadeConsumer{
		events:   events,
		cascader: cascader,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleMessage runs the cascade named by a referral.cascade.requested task.
// Malformed tasks and tasks for unknown purchases are dead-lettered. Leg
// failures are not errors here: they are recorded on the purchase and the
// sweeper picks them up.
func (c *CascadeConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.observe("invalid")
		return kafka.DLQ(fmt.Errorf("empty kafka message"), kafka.ReasonEmptyMessage)
	}
	var event payout.CascadeRequestedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.observe("invalid")
		return kafka.DLQ(fmt.Errorf("decode cascade task: %w", err), kafka.ReasonDecodeError)
	}
	if err := event.Validate(); err != nil {
		c.observe("invalid")
		return kafka.DLQ(err, kafka.ReasonInvalidEvent)
	}
	purchaseID, err := uuid.Parse(strings.TrimSpace(event.PurchaseID))
	if err != nil {
		c.observe("invalid")
		return kafka.DLQ(fmt.Errorf("invalid purchase_id"), kafka.ReasonInvalidEvent)
	}

	processed, err := c.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("check processed event: %w", err)
	}
	if processed {
		c.logger.Info("cascade task already processed", "event_id", event.EventID, "purchase_id", purchaseID)
		c.observe("duplicate")
		return nil
	}

	result, err := c.cascader.CascadeReferralPayouts(ctx, purchaseID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.observe("invalid")
		return kafka.DLQ(fmt.Errorf("purchase %s: %w", purchaseID, err), "purchase_not_found")
	case errors.Is(err, payout.ErrPayoutNotCompleted):
		c.observe("invalid")
		return kafka.DLQ(fmt.Errorf("purchase %s: %w", purchaseID, err), "payout_not_completed")
	case err != nil:
		c.observe("error")
		return fmt.Errorf("cascade referral payouts: %w", err)
	}

	if err := c.events.MarkEventProcessed(ctx, event.EventID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	status := ""
	if result.Purchase != nil {
		status = result.Purchase.ReferralStatus
	}
	c.logger.Info("cascade task handled",
		"event_id", event.EventID,
		"purchase_id", purchaseID,
		"legs", len(result.Legs),
		"referral_status", status,
	)
	c.observe("ok")
	return nil
}

func (c *CascadeConsumer) observe(status string) {
	if c.metrics != nil {
		c.metrics.ObserveCascadeTask(status)
	}
}
