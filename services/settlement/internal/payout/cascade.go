package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LegPaid     = "paid"
	LegFailed   = "failed"
	LegSkipped  = "skipped"
	LegInFlight = "in_flight"
)

type LegResult struct {
	Role    string
	PayeeID string
	Amount  decimal.Decimal
	Status  string
	TxRef   string
	Err     error
}

type CascadeResult struct {
	Purchase *storage.Purchase
	Legs     []LegResult
	// AlreadyComplete is set when referral_status was completed before the call.
	AlreadyComplete bool
}

// CascadeReferralPayouts pays every referral leg that is not yet paid.
// The intents are persisted before any transfer and each leg is claimed with
// a lease. A leg's signed transfer is stored on its intent before broadcast
// and only ever resent afterwards, and a paid leg is recorded together with
// its ReferralPayout row, so running the cascade again never pays a leg twice.
func (o *Orchestrator) CascadeReferralPayouts(ctx context.Context, purchaseID uuid.UUID) (CascadeResult, error) {
	p, err := o.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return CascadeResult{}, err
	}
	if p.ReferralStatus == storage.ReferralCompleted {
		return CascadeResult{Purchase: p, AlreadyComplete: true}, nil
	}
	if p.PayoutStatus != storage.PayoutCompleted {
		return CascadeResult{Purchase: p}, fmt.Errorf("%w: purchase %s payout is %s", ErrPayoutNotCompleted, purchaseID, p.PayoutStatus)
	}
	if !p.Rail.OffchainReferrals() {
		return o.finishCascade(ctx, p, nil, storage.ReferralCompleted)
	}

	if err := o.store.EnsureReferralIntents(ctx, p.ReferralLegs(), o.now()); err != nil {
		return CascadeResult{Purchase: p}, fmt.Errorf("ensure referral intents: %w", err)
	}
	intents, err := o.store.ListReferralIntents(ctx, purchaseID)
	if err != nil {
		return CascadeResult{Purchase: p}, fmt.Errorf("list referral intents: %w", err)
	}

	treasury := o.treasuries[p.Rail]
	legs := make([]LegResult, len(intents))
	var wg sync.WaitGroup
	for i, in := range intents {
		legs[i] = LegResult{Role: in.Role, PayeeID: in.PayeeID, Amount: in.Amount, TxRef: in.TxRef}
		if in.Status == storage.IntentPaid {
			legs[i].Status = LegSkipped
			continue
		}
		if treasury == nil {
			legs[i].Status = LegFailed
			legs[i].Err = fmt.Errorf("%w: %s treasury", ErrRailNotConfigured, p.Rail)
			continue
		}
		wg.Add(1)
		go func(i int, in storage.ReferralIntent) {
			defer wg.Done()
			legs[i] = o.payLeg(ctx, treasury, *p, in)
		}(i, in)
	}
	wg.Wait()

	status := storage.ReferralCompleted
	for _, leg := range legs {
		switch leg.Status {
		case LegFailed:
			status = storage.ReferralFailed
		case LegInFlight:
			if status == storage.ReferralCompleted {
				status = storage.ReferralPending
			}
		}
	}
	return o.finishCascade(ctx, p, legs, status)
}

func (o *Orchestrator) payLeg(ctx context.Context, treasury Treasury, p storage.Purchase, in storage.ReferralIntent) LegResult {
	res := LegResult{Role: in.Role, PayeeID: in.PayeeID, Amount: in.Amount}
	ok, err := o.store.ClaimReferralIntent(ctx, in.ID, o.now(), o.cfg.IntentLease)
	if err != nil {
		res.Status = LegFailed
		res.Err = fmt.Errorf("claim referral intent: %w", err)
		return res
	}
	if !ok {
		// paid or held by another worker
		res.Status = LegInFlight
		return res
	}

	// another worker may have stored a transfer between listing and claiming
	current, err := o.intentByID(ctx, p.ID, in.ID)
	if err != nil {
		res.Status = LegFailed
		res.Err = err
		if recErr := o.store.RecordReferralFailed(ctx, in.ID, err.Error(), o.now()); recErr != nil {
			o.logger.Error("record referral failure failed", "intent_id", in.ID, "error", recErr)
		}
		return res
	}
	in = *current

	txRef, err := o.transferOnce(ctx, "transfer_referral", treasury, in.PayeeID, in.Amount, storedTransfer(in.TxRef, in.TransferRaw),
		func(ctx context.Context, prevRef string, t chain.Transfer) error {
			return o.store.RecordReferralTransfer(ctx, in.ID, prevRef, t.TxRef, t.Raw, o.now())
		})
	if err != nil {
		res.Status = LegFailed
		res.Err = err
		o.observeLeg(LegFailed)
		o.logger.Error("referral transfer failed", "purchase_id", p.ID, "role", in.Role, "payee_id", in.PayeeID, "error", err)
		if recErr := o.store.RecordReferralFailed(ctx, in.ID, err.Error(), o.now()); recErr != nil {
			o.logger.Error("record referral failure failed", "intent_id", in.ID, "error", recErr)
		}
		return res
	}

	if err := o.store.RecordReferralPaid(ctx, in, p, txRef, o.now()); err != nil {
		// the signed transfer stays on the intent; a later cascade resends it
		res.Status = LegFailed
		res.TxRef = txRef
		res.Err = fmt.Errorf("record referral payout: %w", err)
		o.logger.Error("referral transferred but not recorded", "purchase_id", p.ID, "role", in.Role, "tx_ref", txRef, "error", err)
		return res
	}
	res.Status = LegPaid
	res.TxRef = txRef
	o.observeLeg(LegPaid)
	o.logger.Info("referral leg paid", "purchase_id", p.ID, "role", in.Role, "payee_id", in.PayeeID, "amount", in.Amount.String(), "tx_ref", txRef)
	return res
}

func (o *Orchestrator) intentByID(ctx context.Context, purchaseID, id uuid.UUID) (*storage.ReferralIntent, error) {
	intents, err := o.store.ListReferralIntents(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list referral intents: %w", err)
	}
	for i := range intents {
		if intents[i].ID == id {
			return &intents[i], nil
		}
	}
	return nil, fmt.Errorf("%w: referral intent %s", storage.ErrNotFound, id)
}

func (o *Orchestrator) finishCascade(ctx context.Context, p *storage.Purchase, legs []LegResult, status string) (CascadeResult, error) {
	if status != p.ReferralStatus {
		if err := o.store.SetReferralStatus(ctx, p.ID, status, o.now()); err != nil {
			return CascadeResult{Purchase: p, Legs: legs}, fmt.Errorf("set referral status: %w", err)
		}
	}
	current, err := o.store.GetPurchase(ctx, p.ID)
	if err != nil {
		return CascadeResult{Purchase: p, Legs: legs}, err
	}
	o.logger.Info("referral cascade finished", "purchase_id", p.ID, "referral_status", status, "legs", len(legs))
	return CascadeResult{Purchase: current, Legs: legs}, nil
}
