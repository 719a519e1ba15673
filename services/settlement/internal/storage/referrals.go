package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// GetReferralEdge returns the buyer's edge joined with its tier rates, or
// nil when the buyer has no referrer.
func (s *Store) GetReferralEdge(ctx context.Context, buyer string) (*ReferralEdge, error) {
	var edge ReferralEdge
	var grand *string
	var onchainTier int16
	err := s.pool.QueryRow(ctx, `
		SELECT e.buyer_id, e.direct_referrer_id, e.grand_referrer_id, e.tier,
		       t.direct_rate_bps, t.grand_rate_bps, t.onchain_tier
		FROM referral_edges e
		JOIN referral_tiers t ON t.tier = e.tier
		WHERE e.buyer_id = $1
	`, strings.ToLower(buyer)).Scan(&edge.BuyerID, &edge.DirectReferrerID, &grand, &edge.Tier,
		&edge.DirectRateBps, &edge.GrandRateBps, &onchainTier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	edge.GrandReferrerID = derefString(grand)
	edge.OnchainTier = uint8(onchainTier)
	return &edge, nil
}

func (s *Store) UpsertReferralTier(ctx context.Context, tier ReferralTier) error {
	if strings.TrimSpace(tier.Tier) == "" {
		return fmt.Errorf("tier is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_tiers (tier, direct_rate_bps, grand_rate_bps, onchain_tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tier) DO UPDATE
		SET direct_rate_bps = EXCLUDED.direct_rate_bps,
		    grand_rate_bps = EXCLUDED.grand_rate_bps,
		    onchain_tier = EXCLUDED.onchain_tier
	`, tier.Tier, tier.DirectRateBps, tier.GrandRateBps, int16(tier.OnchainTier))
	return err
}

func (s *Store) UpsertReferralEdge(ctx context.Context, edge ReferralEdge) error {
	buyer := strings.ToLower(strings.TrimSpace(edge.BuyerID))
	direct := strings.ToLower(strings.TrimSpace(edge.DirectReferrerID))
	if buyer == "" || direct == "" {
		return fmt.Errorf("buyer_id and direct_referrer_id are required")
	}
	if buyer == direct {
		return fmt.Errorf("buyer cannot refer themselves")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_edges (buyer_id, direct_referrer_id, grand_referrer_id, tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (buyer_id) DO UPDATE
		SET direct_referrer_id = EXCLUDED.direct_referrer_id,
		    grand_referrer_id = EXCLUDED.grand_referrer_id,
		    tier = EXCLUDED.tier
	`, buyer, direct, nullString(strings.ToLower(edge.GrandReferrerID)), edge.Tier)
	return err
}
