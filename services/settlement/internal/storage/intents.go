package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const intentColumns = `id, purchase_id, role, payee_id, amount::text, rate_bps, status, attempts,
	COALESCE(last_error, ''), COALESCE(tx_ref, ''), transfer_raw, claimed_at, created_at, updated_at`

func scanIntent(row rowScanner) (*ReferralIntent, error) {
	var in ReferralIntent
	var amountStr string
	if err := row.Scan(&in.ID, &in.PurchaseID, &in.Role, &in.PayeeID, &amountStr, &in.RateBps, &in.Status,
		&in.Attempts, &in.LastError, &in.TxRef, &in.TransferRaw, &in.ClaimedAt, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	amount, err := parseDecimal("intent amount", amountStr)
	if err != nil {
		return nil, err
	}
	in.Amount = amount
	return &in, nil
}

func insertIntents(ctx context.Context, tx pgx.Tx, intents []ReferralIntent, now time.Time) error {
	if len(intents) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, in := range intents {
		id := in.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(`
			INSERT INTO referral_intents (id, purchase_id, role, payee_id, amount, rate_bps, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $7)
			ON CONFLICT (purchase_id, role) DO NOTHING
		`, id, in.PurchaseID, in.Role, in.PayeeID, in.Amount.String(), in.RateBps, now)
	}
	br := tx.SendBatch(ctx, batch)
	for range intents {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (s *Store) EnsureReferralIntents(ctx context.Context, intents []ReferralIntent, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return insertIntents(ctx, tx, intents, now)
	})
}

func (s *Store) ListReferralIntents(ctx context.Context, purchaseID uuid.UUID) ([]ReferralIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM referral_intents
		WHERE purchase_id = $1
		ORDER BY role ASC
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferralIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// ClaimReferralIntent moves an unpaid intent to in_flight unless another
// worker holds a live claim on it.
func (s *Store) ClaimReferralIntent(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE referral_intents
		SET status = 'in_flight', claimed_at = $2, attempts = attempts + 1, updated_at = $2
		WHERE id = $1
		  AND status <> 'paid'
		  AND (status <> 'in_flight' OR claimed_at IS NULL OR claimed_at < $3)
	`, id, now, now.Add(-lease))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordReferralTransfer stores the signed transfer for a leg before it is
// broadcast, replacing prevRef.
func (s *Store) RecordReferralTransfer(ctx context.Context, id uuid.UUID, prevRef, txRef string, raw []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE referral_intents
		SET tx_ref = $3, transfer_raw = $4, updated_at = $5
		WHERE id = $1 AND status <> 'paid' AND COALESCE(tx_ref, '') = $2
	`, id, prevRef, txRef, raw, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: referral intent %s transfer changed or leg paid", ErrInvariantViolation, id)
	}
	return nil
}

// RecordReferralPaid marks the intent paid and appends its payout row in
// one transaction. A second call for the same leg inserts nothing.
func (s *Store) RecordReferralPaid(ctx context.Context, intent ReferralIntent, purchase Purchase, txRef string, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE referral_intents
			SET status = 'paid', tx_ref = $2, claimed_at = NULL, last_error = NULL, updated_at = $3
			WHERE id = $1
		`, intent.ID, txRef, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO referral_payouts (id, purchase_id, payee_id, role, rail, currency, amount, rate_bps, tx_ref, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'completed', $10)
			ON CONFLICT (purchase_id, role) DO NOTHING
		`, uuid.New(), intent.PurchaseID, intent.PayeeID, intent.Role, string(purchase.Rail), string(purchase.Currency),
			intent.Amount.String(), intent.RateBps, txRef, now)
		return err
	})
}

func (s *Store) RecordReferralFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE referral_intents
		SET status = 'failed', last_error = $2, claimed_at = NULL, updated_at = $3
		WHERE id = $1 AND status <> 'paid'
	`, id, reason, now)
	return err
}

func (s *Store) ListReferralPayouts(ctx context.Context, purchaseID uuid.UUID) ([]ReferralPayout, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, purchase_id, payee_id, role, rail, currency, amount::text, rate_bps, tx_ref, status, created_at
		FROM referral_payouts
		WHERE purchase_id = $1
		ORDER BY role ASC
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferralPayout
	for rows.Next() {
		var rp ReferralPayout
		var rail, currency, amountStr string
		if err := rows.Scan(&rp.ID, &rp.PurchaseID, &rp.PayeeID, &rp.Role, &rail, &currency, &amountStr,
			&rp.RateBps, &rp.TxRef, &rp.Status, &rp.CreatedAt); err != nil {
			return nil, err
		}
		amount, err := parseDecimal("referral payout amount", amountStr)
		if err != nil {
			return nil, err
		}
		rp.Rail = Rail(rail)
		rp.Currency = Currency(currency)
		rp.Amount = amount
		out = append(out, rp)
	}
	return out, rows.Err()
}
