package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const purchaseColumns = `id, listing_id, buyer_id, creator_id, rail, currency,
	amount_paid::text, normalized_amount::text, reference_rate::text,
	platform_fee::text, creator_payout::text,
	COALESCE(direct_referrer_id, ''), COALESCE(grand_referrer_id, ''),
	direct_referral_amount::text, grand_referral_amount::text,
	direct_rate_bps, grand_rate_bps,
	payment_status, payout_status, referral_status,
	COALESCE(payment_tx_ref, ''), COALESCE(payout_tx_ref, ''), COALESCE(referral_registration_tx_ref, ''),
	COALESCE(payout_transfer_ref, ''), payout_transfer_raw,
	payout_claimed_at, COALESCE(last_error, ''), created_at, updated_at, confirmed_at`

func scanPurchase(row rowScanner) (*Purchase, error) {
	var p Purchase
	var rail, currency string
	var paid, normalized, fee, creator, direct, grand string
	var rate *string
	if err := row.Scan(&p.ID, &p.ListingID, &p.BuyerID, &p.CreatorID, &rail, &currency,
		&paid, &normalized, &rate, &fee, &creator,
		&p.DirectReferrerID, &p.GrandReferrerID, &direct, &grand,
		&p.DirectRateBps, &p.GrandRateBps,
		&p.PaymentStatus, &p.PayoutStatus, &p.ReferralStatus,
		&p.PaymentTxRef, &p.PayoutTxRef, &p.ReferralRegistrationTxRef,
		&p.PayoutTransferRef, &p.PayoutTransferRaw,
		&p.PayoutClaimedAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt, &p.ConfirmedAt); err != nil {
		return nil, err
	}
	p.Rail = Rail(rail)
	p.Currency = Currency(currency)

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"amount_paid", paid, &p.AmountPaid},
		{"normalized_amount", normalized, &p.NormalizedAmount},
		{"platform_fee", fee, &p.PlatformFee},
		{"creator_payout", creator, &p.CreatorPayout},
		{"direct_referral_amount", direct, &p.DirectReferralAmount},
		{"grand_referral_amount", grand, &p.GrandReferralAmount},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.name, f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = d
	}
	if rate != nil {
		d, err := parseDecimal("reference_rate", *rate)
		if err != nil {
			return nil, err
		}
		p.ReferenceRate = &d
	}
	return &p, nil
}

func collectPurchases(rows pgx.Rows) ([]Purchase, error) {
	defer rows.Close()
	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// CreatePurchase records a purchase after re-checking, under the listing row
// lock, that the buyer still holds the right to buy. A completed payment
// closes the listing in the same transaction.
func (s *Store) CreatePurchase(ctx context.Context, params CreatePurchaseParams) (*Purchase, error) {
	p := params.Purchase
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var created *Purchase
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		listing, err := getListingForUpdate(ctx, tx, p.ListingID)
		if err != nil {
			return err
		}
		if err := checkPurchaseRight(ctx, tx, listing, p.BuyerID, params, now); err != nil {
			return err
		}
		if params.Path == PathReservation {
			if err := supersedePending(ctx, tx, listing.ID, p.BuyerID, now); err != nil {
				return err
			}
		}

		var confirmedAt *time.Time
		if p.PaymentStatus == PaymentCompleted {
			confirmedAt = &now
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO purchases (
				id, listing_id, buyer_id, creator_id, rail, currency,
				amount_paid, normalized_amount, reference_rate, platform_fee, creator_payout,
				direct_referrer_id, grand_referrer_id, direct_referral_amount, grand_referral_amount,
				direct_rate_bps, grand_rate_bps,
				payment_status, payout_status, referral_status,
				payment_tx_ref, referral_registration_tx_ref,
				created_at, updated_at, confirmed_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11,
				$12, $13, $14, $15,
				$16, $17,
				$18, $19, $20,
				$21, $22,
				$23, $23, $24
			)
			RETURNING `+purchaseColumns,
			p.ID, p.ListingID, p.BuyerID, listing.CreatorID, string(p.Rail), string(p.Currency),
			p.AmountPaid.String(), p.NormalizedAmount.String(), decimalArg(p.ReferenceRate),
			p.PlatformFee.String(), p.CreatorPayout.String(),
			nullString(p.DirectReferrerID), nullString(p.GrandReferrerID),
			p.DirectReferralAmount.String(), p.GrandReferralAmount.String(),
			p.DirectRateBps, p.GrandRateBps,
			p.PaymentStatus, p.PayoutStatus, p.ReferralStatus,
			nullString(p.PaymentTxRef), nullString(p.ReferralRegistrationTxRef),
			now, confirmedAt)
		inserted, err := scanPurchase(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicatePurchase
			}
			return err
		}

		if inserted.PaymentStatus == PaymentCompleted {
			if err := closeListingSold(ctx, tx, listing.ID, now); err != nil {
				return err
			}
		}
		created = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// supersedePending rolls back pending purchases on the listing by other
// buyers. The caller holds the live reservation, so their leases lapsed.
func supersedePending(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, buyer string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE purchases
		SET payment_status = 'rolled_back', payout_claimed_at = NULL,
		    last_error = $3, updated_at = $4
		WHERE listing_id = $1 AND buyer_id <> $2 AND payment_status = 'pending'
	`, listingID, buyer, SupersededReason, now)
	return err
}

func checkPurchaseRight(ctx context.Context, tx pgx.Tx, listing *Listing, buyer string, params CreatePurchaseParams, now time.Time) error {
	if listing.Status != ListingStatusListed {
		return ErrListingUnavailable
	}
	switch params.Path {
	case PathAuctionWinner:
		if listing.Available || listing.Biddable {
			return ErrReservationNotHeld
		}
		var won bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM bids WHERE listing_id = $1 AND bidder_id = $2 AND has_won)
		`, listing.ID, buyer).Scan(&won)
		if err != nil {
			return err
		}
		if !won {
			return ErrReservationNotHeld
		}
		return nil
	case PathReservation:
		if !listing.Available {
			return ErrListingUnavailable
		}
		if !listing.ReservedFor(buyer, now, params.Lease) {
			return ErrReservationNotHeld
		}
		return nil
	default:
		return fmt.Errorf("unknown purchase path %q", params.Path)
	}
}

func (s *Store) GetPurchase(ctx context.Context, id uuid.UUID) (*Purchase, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func getPurchaseForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Purchase, error) {
	row := tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ConfirmPurchase marks payment completed and closes the listing. The bool
// is false when the purchase was already completed.
func (s *Store) ConfirmPurchase(ctx context.Context, id uuid.UUID, txRef string, now time.Time) (*Purchase, bool, error) {
	var (
		result  *Purchase
		changed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := getPurchaseForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		switch p.PaymentStatus {
		case PaymentCompleted:
			result = p
			return nil
		case PaymentRolledBack:
			return fmt.Errorf("%w: purchase %s is rolled back", ErrInvariantViolation, id)
		}

		row := tx.QueryRow(ctx, `
			UPDATE purchases
			SET payment_status = 'completed', payment_tx_ref = COALESCE($2, payment_tx_ref),
			    confirmed_at = $3, updated_at = $3
			WHERE id = $1
			RETURNING `+purchaseColumns,
			id, nullString(txRef), now)
		updated, err := scanPurchase(row)
		if err != nil {
			return err
		}
		if err := closeListingSold(ctx, tx, p.ListingID, now); err != nil {
			return err
		}
		result = updated
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// RollbackPurchase abandons a purchase whose payment has not completed and
// reopens the listing. The bool is false when it was already rolled back.
func (s *Store) RollbackPurchase(ctx context.Context, id uuid.UUID, now time.Time) (*Purchase, bool, error) {
	var (
		result  *Purchase
		changed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := getPurchaseForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		switch p.PaymentStatus {
		case PaymentRolledBack:
			result = p
			return nil
		case PaymentCompleted:
			return fmt.Errorf("%w: purchase %s payment already completed", ErrInvariantViolation, id)
		}

		row := tx.QueryRow(ctx, `
			UPDATE purchases
			SET payment_status = 'rolled_back', payout_claimed_at = NULL, updated_at = $2
			WHERE id = $1
			RETURNING `+purchaseColumns,
			id, now)
		updated, err := scanPurchase(row)
		if err != nil {
			return err
		}

		if _, err := getListingForUpdate(ctx, tx, p.ListingID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE listings
			SET available = true,
			    biddable = (bidding_window_end IS NOT NULL AND bidding_window_end > $3),
			    reserved_by = CASE WHEN reserved_by = $2 THEN NULL ELSE reserved_by END,
			    reserved_at = CASE WHEN reserved_by = $2 THEN NULL ELSE reserved_at END,
			    status = 'listed',
			    updated_at = $3
			WHERE id = $1
		`, p.ListingID, p.BuyerID, now); err != nil {
			return err
		}
		result = updated
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// ClaimPayout takes the payout lease on a completed purchase whose payout is
// pending or failed. It returns the purchase as stored and whether the claim
// took effect.
func (s *Store) ClaimPayout(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*Purchase, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE purchases
		SET payout_claimed_at = $2, updated_at = $2
		WHERE id = $1
		  AND payment_status = 'completed'
		  AND payout_status IN ('pending', 'failed')
		  AND (payout_claimed_at IS NULL OR payout_claimed_at < $3)
		RETURNING `+purchaseColumns,
		id, now, now.Add(-lease))
	p, err := scanPurchase(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	current, err := s.GetPurchase(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// RecordPayoutTransfer stores the signed creator transfer before it is
// broadcast, replacing prevRef. It fails when the stored ref is no longer
// prevRef, so two workers never both get to broadcast.
func (s *Store) RecordPayoutTransfer(ctx context.Context, id uuid.UUID, prevRef, txRef string, raw []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE purchases
		SET payout_transfer_ref = $3, payout_transfer_raw = $4, updated_at = $5
		WHERE id = $1 AND payout_status IN ('pending', 'failed')
		  AND COALESCE(payout_transfer_ref, '') = $2
	`, id, prevRef, txRef, raw, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: purchase %s payout transfer changed or payout closed", ErrInvariantViolation, id)
	}
	return nil
}

func (s *Store) ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE purchases SET payout_claimed_at = NULL WHERE id = $1`, id)
	return err
}

// CompletePayout records the creator transfer and persists the referral
// intents owed for the purchase in one transaction.
func (s *Store) CompletePayout(ctx context.Context, id uuid.UUID, txRef string, intents []ReferralIntent, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE purchases
			SET payout_status = 'completed', payout_tx_ref = $2, payout_claimed_at = NULL,
			    last_error = NULL, updated_at = $3
			WHERE id = $1 AND payment_status = 'completed'
		`, id, nullString(txRef), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: purchase %s payment not completed", ErrInvariantViolation, id)
		}
		return insertIntents(ctx, tx, intents, now)
	})
}

func (s *Store) FailPayout(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE purchases
		SET payout_status = 'failed', last_error = $2, payout_claimed_at = NULL, updated_at = $3
		WHERE id = $1 AND payout_status <> 'completed'
	`, id, reason, now)
	return err
}

func (s *Store) SetReferralStatus(ctx context.Context, purchaseID uuid.UUID, status string, now time.Time) error {
	switch status {
	case ReferralPending, ReferralCompleted, ReferralFailed:
	default:
		return fmt.Errorf("unknown referral status %q", status)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE purchases SET referral_status = $2, updated_at = $3 WHERE id = $1
	`, purchaseID, status, now)
	return err
}

func (s *Store) ListStalledReferrals(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM purchases
		WHERE payout_status = 'completed' AND referral_status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, updatedBefore, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *Store) ListAbandonedPurchases(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM purchases
		WHERE payment_status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *Store) ListFailedPayouts(ctx context.Context, limit int) ([]Purchase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE payout_status = 'failed' OR referral_status = 'failed'
		   OR (payout_status = 'pending' AND payout_transfer_ref IS NOT NULL)
		ORDER BY updated_at ASC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectPurchases(rows)
}

// ReferralRegistration returns the on-chain referral registration already
// recorded for buyer, or "" when there is none.
func (s *Store) ReferralRegistration(ctx context.Context, buyer string) (string, error) {
	var txRef string
	err := s.pool.QueryRow(ctx, `
		SELECT referral_registration_tx_ref FROM purchases
		WHERE buyer_id = $1 AND referral_registration_tx_ref IS NOT NULL
		ORDER BY created_at ASC
		LIMIT 1
	`, buyer).Scan(&txRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return txRef, err
}

func (s *Store) SetReferralRegistration(ctx context.Context, purchaseID uuid.UUID, txRef string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE purchases SET referral_registration_tx_ref = $2, updated_at = $3
		WHERE id = $1 AND referral_registration_tx_ref IS NULL
	`, purchaseID, txRef, now)
	return err
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
