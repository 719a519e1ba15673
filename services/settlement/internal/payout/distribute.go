package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
)

type DistributionResult struct {
	Purchase *storage.Purchase
	TxRef    string
	// AlreadySettled is set when the payout was completed or not owed
	// before this call.
	AlreadySettled bool
}

// Distribute pays the creator their share from the treasury. It is
// idempotent on payout_status and guarded by a leased claim. The signed
// transfer is stored on the purchase before it is broadcast, and every later
// attempt resends that transfer, so the creator is paid at most once. When
// the treasury is short the claim is released and payout_status is left as
// it was.
func (o *Orchestrator) Distribute(ctx context.Context, purchaseID uuid.UUID) (DistributionResult, error) {
	p, err := o.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return DistributionResult{}, err
	}
	if p.PaymentStatus != storage.PaymentCompleted {
		return DistributionResult{Purchase: p}, fmt.Errorf("%w: purchase %s is %s", ErrPaymentNotCompleted, purchaseID, p.PaymentStatus)
	}
	if settled(p) {
		return DistributionResult{Purchase: p, TxRef: p.PayoutTxRef, AlreadySettled: true}, nil
	}

	now := o.now()
	claimed, ok, err := o.store.ClaimPayout(ctx, purchaseID, now, o.cfg.ClaimLease)
	if err != nil {
		return DistributionResult{Purchase: p}, fmt.Errorf("claim payout: %w", err)
	}
	if !ok {
		if settled(claimed) {
			return DistributionResult{Purchase: claimed, TxRef: claimed.PayoutTxRef, AlreadySettled: true}, nil
		}
		return DistributionResult{Purchase: claimed}, fmt.Errorf("%w: purchase %s", ErrPayoutInProgress, purchaseID)
	}
	p = claimed

	treasury := o.treasuries[p.Rail]
	if treasury == nil {
		o.releaseClaim(ctx, p.ID)
		return DistributionResult{Purchase: p}, fmt.Errorf("%w: %s treasury", ErrRailNotConfigured, p.Rail)
	}

	txRef := ""
	if p.CreatorPayout.IsPositive() {
		stored := storedTransfer(p.PayoutTransferRef, p.PayoutTransferRaw)
		// a stored transfer may already have debited the treasury
		if stored.TxRef == "" {
			balance, err := call(ctx, o, "treasury_balance", treasury.TreasuryBalance)
			if err != nil {
				o.releaseClaim(ctx, p.ID)
				return DistributionResult{Purchase: p}, err
			}
			if balance.LessThan(p.CreatorPayout) {
				o.releaseClaim(ctx, p.ID)
				o.observePayout("insufficient_treasury")
				o.logger.Warn("treasury balance too low for payout",
					"purchase_id", p.ID,
					"rail", p.Rail,
					"balance", balance.String(),
					"needed", p.CreatorPayout.String(),
				)
				return DistributionResult{Purchase: p}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientTreasuryBalance, balance, p.CreatorPayout)
			}
		}

		txRef, err = o.transferOnce(ctx, "transfer_native", treasury, p.CreatorID, p.CreatorPayout, stored,
			func(ctx context.Context, prevRef string, t chain.Transfer) error {
				return o.store.RecordPayoutTransfer(ctx, p.ID, prevRef, t.TxRef, t.Raw, o.now())
			})
		if err != nil {
			return o.failPayout(ctx, p, err)
		}
	}

	var intents []storage.ReferralIntent
	if p.Rail.OffchainReferrals() && p.ReferralStatus != storage.ReferralCompleted {
		intents = p.ReferralLegs()
	}
	if err := o.store.CompletePayout(ctx, p.ID, txRef, intents, o.now()); err != nil {
		// the signed transfer stays on the row, so a replay resends it
		// instead of paying again
		o.logger.Error("payout transferred but not recorded", "purchase_id", p.ID, "tx_ref", txRef, "error", err)
		return DistributionResult{Purchase: p, TxRef: txRef}, fmt.Errorf("record payout: %w", err)
	}
	o.observePayout(storage.PayoutCompleted)
	o.logger.Info("creator payout completed",
		"purchase_id", p.ID,
		"creator_id", p.CreatorID,
		"amount", p.CreatorPayout.String(),
		"tx_ref", txRef,
	)

	current, err := o.store.GetPurchase(ctx, p.ID)
	if err != nil {
		return DistributionResult{Purchase: p, TxRef: txRef}, err
	}
	o.publishLifecycle(ctx, payoutCompletedEventType, current, txRef, "")
	return DistributionResult{Purchase: current, TxRef: txRef}, nil
}

func settled(p *storage.Purchase) bool {
	return p.PayoutStatus == storage.PayoutCompleted || p.PayoutStatus == storage.PayoutNotApplicable
}

func (o *Orchestrator) failPayout(ctx context.Context, p *storage.Purchase, cause error) (DistributionResult, error) {
	o.observePayout(storage.PayoutFailed)
	o.logger.Error("creator payout failed", "purchase_id", p.ID, "creator_id", p.CreatorID, "error", cause)
	if err := o.store.FailPayout(ctx, p.ID, cause.Error(), o.now()); err != nil {
		o.logger.Error("record payout failure failed", "purchase_id", p.ID, "error", err)
	}
	current, err := o.store.GetPurchase(ctx, p.ID)
	if err != nil {
		current = p
	}
	o.publishLifecycle(ctx, payoutFailedEventType, current, "", cause.Error())
	if !errors.Is(cause, ErrExternalCallFailed) {
		cause = fmt.Errorf("%w: %w", ErrExternalCallFailed, cause)
	}
	return DistributionResult{Purchase: current}, cause
}

func (o *Orchestrator) releaseClaim(ctx context.Context, id uuid.UUID) {
	if err := o.store.ReleasePayoutClaim(ctx, id); err != nil {
		o.logger.Warn("release payout claim failed", "purchase_id", id, "error", err)
	}
}

type ReplayResult struct {
	Purchase     *storage.Purchase
	Distribution *DistributionResult
	Cascade      *CascadeResult
}

// ReplayFailedReferralPayouts re-runs whichever settlement step is still
// owed, using the amounts already stored on the purchase.
func (o *Orchestrator) ReplayFailedReferralPayouts(ctx context.Context, purchaseID uuid.UUID) (ReplayResult, error) {
	p, err := o.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return ReplayResult{}, err
	}
	if p.PaymentStatus != storage.PaymentCompleted {
		return ReplayResult{Purchase: p}, fmt.Errorf("%w: purchase %s is %s", ErrPaymentNotCompleted, purchaseID, p.PaymentStatus)
	}

	var out ReplayResult
	if p.PayoutStatus == storage.PayoutPending || p.PayoutStatus == storage.PayoutFailed {
		dist, err := o.Distribute(ctx, purchaseID)
		out.Distribution = &dist
		out.Purchase = dist.Purchase
		if err != nil {
			return out, err
		}
		p = dist.Purchase
	}

	if p.PayoutStatus == storage.PayoutCompleted &&
		(p.ReferralStatus == storage.ReferralPending || p.ReferralStatus == storage.ReferralFailed) {
		cascade, err := o.CascadeReferralPayouts(ctx, purchaseID)
		out.Cascade = &cascade
		if err != nil {
			out.Purchase = p
			return out, err
		}
		if cascade.Purchase != nil {
			p = cascade.Purchase
		}
	}
	out.Purchase = p
	o.logger.Info("settlement replayed",
		"purchase_id", purchaseID,
		"payout_status", p.PayoutStatus,
		"referral_status", p.ReferralStatus,
	)
	return out, nil
}
