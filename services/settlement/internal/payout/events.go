package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/AfshinJalili/contentex/libs/kafka"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
)

const (
	DefaultPurchaseTopic = "settlement.purchases"
	DefaultCascadeTopic  = "settlement.referral_cascade"

	purchaseCompletedEventType  = "purchase.completed"
	purchaseRolledBackEventType = "purchase.rolled_back"
	payoutCompletedEventType    = "payout.completed"
	payoutFailedEventType       = "payout.failed"
	cascadeRequestedEventType   = "referral.cascade.requested"
)

type PurchaseEvent struct {
	kafka.Envelope
	PurchaseID       string `json:"purchase_id"`
	ListingID        string `json:"listing_id"`
	BuyerID          string `json:"buyer_id"`
	CreatorID        string `json:"creator_id"`
	Rail             string `json:"rail"`
	Currency         string `json:"currency"`
	AmountPaid       string `json:"amount_paid"`
	NormalizedAmount string `json:"normalized_amount"`
	PlatformFee      string `json:"platform_fee"`
	CreatorPayout    string `json:"creator_payout"`
	PaymentStatus    string `json:"payment_status"`
	PayoutStatus     string `json:"payout_status"`
	ReferralStatus   string `json:"referral_status"`
	TxRef            string `json:"tx_ref,omitempty"`
	Reason           string `json:"reason,omitempty"`
	OccurredAt       string `json:"occurred_at"`
}

// CascadeRequestedEvent asks a worker to run the referral cascade for a purchase.
type CascadeRequestedEvent struct {
	kafka.Envelope
	PurchaseID  string `json:"purchase_id"`
	RequestedAt string `json:"requested_at"`
}

func (e *CascadeRequestedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != cascadeRequestedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if e.PurchaseID == "" {
		return fmt.Errorf("purchase_id is required")
	}
	return nil
}

func (o *Orchestrator) publishLifecycle(ctx context.Context, eventType string, p *storage.Purchase, txRef, reason string) {
	if o.publisher == nil || p == nil {
		return
	}
	now := o.now()
	// one event per purchase and transition
	eventID := kafka.DeterministicEventID(eventType, p.ID.String(), txRef)
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, p.ID.String())
	if err != nil {
		o.logger.Error("build purchase event failed", "purchase_id", p.ID, "error", err)
		return
	}
	event := PurchaseEvent{
		Envelope:         env,
		PurchaseID:       p.ID.String(),
		ListingID:        p.ListingID.String(),
		BuyerID:          p.BuyerID,
		CreatorID:        p.CreatorID,
		Rail:             string(p.Rail),
		Currency:         string(p.Currency),
		AmountPaid:       p.AmountPaid.String(),
		NormalizedAmount: p.NormalizedAmount.String(),
		PlatformFee:      p.PlatformFee.String(),
		CreatorPayout:    p.CreatorPayout.String(),
		PaymentStatus:    p.PaymentStatus,
		PayoutStatus:     p.PayoutStatus,
		ReferralStatus:   p.ReferralStatus,
		TxRef:            txRef,
		Reason:           reason,
		OccurredAt:       now.Format(time.RFC3339Nano),
	}
	if _, _, err := o.publisher.PublishJSON(ctx, o.cfg.PurchaseTopic, p.ID.String(), event); err != nil {
		o.logger.Error("publish purchase event failed", "purchase_id", p.ID, "event_type", eventType, "error", err)
	}
}
