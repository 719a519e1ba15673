package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
)

func (s *Store) CreatePurchase(_ context.Context, params storage.CreatePurchaseParams) (*storage.Purchase, error) {
	p := params.Purchase
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[p.ListingID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if err := s.checkPurchaseRight(l, p.BuyerID, params, now); err != nil {
		return nil, err
	}
	if params.Path == storage.PathReservation {
		s.supersedePending(p.ListingID, p.BuyerID, now)
	}
	for _, existing := range s.purchases {
		if existing.ListingID == p.ListingID && existing.PaymentStatus != storage.PaymentRolledBack {
			return nil, storage.ErrDuplicatePurchase
		}
	}

	p.CreatorID = l.CreatorID
	p.CreatedAt = now
	p.UpdatedAt = now
	p.PayoutClaimedAt = nil
	p.ConfirmedAt = nil
	if p.PaymentStatus == storage.PaymentCompleted {
		p.ConfirmedAt = timePtr(now)
		s.closeListingSold(l.ID, now)
	}
	s.purchases[p.ID] = copyPurchase(&p)
	return copyPurchase(&p), nil
}

func (s *Store) supersedePending(listingID uuid.UUID, buyer string, now time.Time) {
	for _, existing := range s.purchases {
		if existing.ListingID != listingID || existing.BuyerID == buyer || existing.PaymentStatus != storage.PaymentPending {
			continue
		}
		existing.PaymentStatus = storage.PaymentRolledBack
		existing.PayoutClaimedAt = nil
		existing.LastError = storage.SupersededReason
		existing.UpdatedAt = now
	}
}

func (s *Store) checkPurchaseRight(l *storage.Listing, buyer string, params storage.CreatePurchaseParams, now time.Time) error {
	if l.Status != storage.ListingStatusListed {
		return storage.ErrListingUnavailable
	}
	switch params.Path {
	case storage.PathAuctionWinner:
		if l.Available || l.Biddable {
			return storage.ErrReservationNotHeld
		}
		for _, b := range s.bids[l.ID] {
			if b.HasWon && b.BidderID == buyer {
				return nil
			}
		}
		return storage.ErrReservationNotHeld
	case storage.PathReservation:
		if !l.Available {
			return storage.ErrListingUnavailable
		}
		if !l.ReservedFor(buyer, now, params.Lease) {
			return storage.ErrReservationNotHeld
		}
		return nil
	default:
		return fmt.Errorf("unknown purchase path %q", params.Path)
	}
}

func (s *Store) GetPurchase(_ context.Context, id uuid.UUID) (*storage.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPurchase(p), nil
}

func (s *Store) ConfirmPurchase(_ context.Context, id uuid.UUID, txRef string, now time.Time) (*storage.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	switch p.PaymentStatus {
	case storage.PaymentCompleted:
		return copyPurchase(p), false, nil
	case storage.PaymentRolledBack:
		return nil, false, fmt.Errorf("%w: purchase %s is rolled back", storage.ErrInvariantViolation, id)
	}
	p.PaymentStatus = storage.PaymentCompleted
	if txRef != "" {
		p.PaymentTxRef = txRef
	}
	p.ConfirmedAt = timePtr(now)
	p.UpdatedAt = now
	s.closeListingSold(p.ListingID, now)
	return copyPurchase(p), true, nil
}

func (s *Store) RollbackPurchase(_ context.Context, id uuid.UUID, now time.Time) (*storage.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	switch p.PaymentStatus {
	case storage.PaymentRolledBack:
		return copyPurchase(p), false, nil
	case storage.PaymentCompleted:
		return nil, false, fmt.Errorf("%w: purchase %s payment already completed", storage.ErrInvariantViolation, id)
	}
	p.PaymentStatus = storage.PaymentRolledBack
	p.PayoutClaimedAt = nil
	p.UpdatedAt = now

	l := s.listings[p.ListingID]
	l.Available = true
	l.Biddable = l.BiddingWindowEnd != nil && l.BiddingWindowEnd.After(now)
	if l.ReservedBy != nil && *l.ReservedBy == p.BuyerID {
		l.ReservedBy = nil
		l.ReservedAt = nil
	}
	l.Status = storage.ListingStatusListed
	l.UpdatedAt = now
	return copyPurchase(p), true, nil
}

func (s *Store) ClaimPayout(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*storage.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	claimable := p.PaymentStatus == storage.PaymentCompleted &&
		(p.PayoutStatus == storage.PayoutPending || p.PayoutStatus == storage.PayoutFailed) &&
		(p.PayoutClaimedAt == nil || p.PayoutClaimedAt.Before(now.Add(-lease)))
	if !claimable {
		return copyPurchase(p), false, nil
	}
	p.PayoutClaimedAt = timePtr(now)
	p.UpdatedAt = now
	return copyPurchase(p), true, nil
}

func (s *Store) RecordPayoutTransfer(_ context.Context, id uuid.UUID, prevRef, txRef string, raw []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || (p.PayoutStatus != storage.PayoutPending && p.PayoutStatus != storage.PayoutFailed) || p.PayoutTransferRef != prevRef {
		return fmt.Errorf("%w: purchase %s payout transfer changed or payout closed", storage.ErrInvariantViolation, id)
	}
	p.PayoutTransferRef = txRef
	p.PayoutTransferRaw = append([]byte(nil), raw...)
	p.UpdatedAt = now
	return nil
}

func (s *Store) ReleasePayoutClaim(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.purchases[id]; ok {
		p.PayoutClaimedAt = nil
	}
	return nil
}

func (s *Store) CompletePayout(_ context.Context, id uuid.UUID, txRef string, intents []storage.ReferralIntent, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || p.PaymentStatus != storage.PaymentCompleted {
		return fmt.Errorf("%w: purchase %s payment not completed", storage.ErrInvariantViolation, id)
	}
	p.PayoutStatus = storage.PayoutCompleted
	p.PayoutTxRef = txRef
	p.PayoutClaimedAt = nil
	p.LastError = ""
	p.UpdatedAt = now
	s.insertIntents(intents, now)
	return nil
}

func (s *Store) FailPayout(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || p.PayoutStatus == storage.PayoutCompleted {
		return nil
	}
	p.PayoutStatus = storage.PayoutFailed
	p.LastError = reason
	p.PayoutClaimedAt = nil
	p.UpdatedAt = now
	return nil
}

func (s *Store) SetReferralStatus(_ context.Context, purchaseID uuid.UUID, status string, now time.Time) error {
	switch status {
	case storage.ReferralPending, storage.ReferralCompleted, storage.ReferralFailed:
	default:
		return fmt.Errorf("unknown referral status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.purchases[purchaseID]; ok {
		p.ReferralStatus = status
		p.UpdatedAt = now
	}
	return nil
}

func (s *Store) ReferralRegistration(_ context.Context, buyer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first *storage.Purchase
	for _, p := range s.purchases {
		if p.BuyerID != buyer || p.ReferralRegistrationTxRef == "" {
			continue
		}
		if first == nil || p.CreatedAt.Before(first.CreatedAt) {
			first = p
		}
	}
	if first == nil {
		return "", nil
	}
	return first.ReferralRegistrationTxRef, nil
}

func (s *Store) SetReferralRegistration(_ context.Context, purchaseID uuid.UUID, txRef string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.purchases[purchaseID]; ok && p.ReferralRegistrationTxRef == "" {
		p.ReferralRegistrationTxRef = txRef
		p.UpdatedAt = now
	}
	return nil
}

func (s *Store) sortedPurchases(match func(*storage.Purchase) bool, less func(a, b *storage.Purchase) bool, limit int) []*storage.Purchase {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*storage.Purchase
	for _, p := range s.purchases {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListStalledReferrals(_ context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.sortedPurchases(func(p *storage.Purchase) bool {
		return p.PayoutStatus == storage.PayoutCompleted && p.ReferralStatus == storage.ReferralPending &&
			p.UpdatedAt.Before(updatedBefore)
	}, func(a, b *storage.Purchase) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit)
	ids := make([]uuid.UUID, 0, len(found))
	for _, p := range found {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (s *Store) ListAbandonedPurchases(_ context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.sortedPurchases(func(p *storage.Purchase) bool {
		return p.PaymentStatus == storage.PaymentPending && p.CreatedAt.Before(createdBefore)
	}, func(a, b *storage.Purchase) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit)
	ids := make([]uuid.UUID, 0, len(found))
	for _, p := range found {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (s *Store) ListFailedPayouts(_ context.Context, limit int) ([]storage.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.sortedPurchases(func(p *storage.Purchase) bool {
		return p.PayoutStatus == storage.PayoutFailed || p.ReferralStatus == storage.ReferralFailed ||
			(p.PayoutStatus == storage.PayoutPending && p.PayoutTransferRef != "")
	}, func(a, b *storage.Purchase) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit)
	out := make([]storage.Purchase, 0, len(found))
	for _, p := range found {
		out = append(out, *p)
	}
	return out, nil
}

// Referral outbox

func (s *Store) insertIntents(intents []storage.ReferralIntent, now time.Time) {
	for _, in := range intents {
		if s.findIntent(in.PurchaseID, in.Role) != nil {
			continue
		}
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		in.Status = storage.IntentPending
		in.Attempts = 0
		in.LastError = ""
		in.TxRef = ""
		in.TransferRaw = nil
		in.ClaimedAt = nil
		in.CreatedAt = now
		in.UpdatedAt = now
		stored := in
		s.intents[in.ID] = &stored
	}
}

func (s *Store) findIntent(purchaseID uuid.UUID, role string) *storage.ReferralIntent {
	for _, in := range s.intents {
		if in.PurchaseID == purchaseID && in.Role == role {
			return in
		}
	}
	return nil
}

func (s *Store) EnsureReferralIntents(_ context.Context, intents []storage.ReferralIntent, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertIntents(intents, now)
	return nil
}

func (s *Store) ListReferralIntents(_ context.Context, purchaseID uuid.UUID) ([]storage.ReferralIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ReferralIntent
	for _, in := range s.intents {
		if in.PurchaseID == purchaseID {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (s *Store) ClaimReferralIntent(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Status == storage.IntentPaid {
		return false, nil
	}
	if in.Status == storage.IntentInFlight && in.ClaimedAt != nil && !in.ClaimedAt.Before(now.Add(-lease)) {
		return false, nil
	}
	in.Status = storage.IntentInFlight
	in.ClaimedAt = timePtr(now)
	in.Attempts++
	in.UpdatedAt = now
	return true, nil
}

func (s *Store) RecordReferralTransfer(_ context.Context, id uuid.UUID, prevRef, txRef string, raw []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Status == storage.IntentPaid || in.TxRef != prevRef {
		return fmt.Errorf("%w: referral intent %s transfer changed or leg paid", storage.ErrInvariantViolation, id)
	}
	in.TxRef = txRef
	in.TransferRaw = append([]byte(nil), raw...)
	in.UpdatedAt = now
	return nil
}

func (s *Store) RecordReferralPaid(_ context.Context, intent storage.ReferralIntent, purchase storage.Purchase, txRef string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[intent.ID]; ok {
		in.Status = storage.IntentPaid
		in.TxRef = txRef
		in.ClaimedAt = nil
		in.LastError = ""
		in.UpdatedAt = now
	}
	for _, existing := range s.payouts[intent.PurchaseID] {
		if existing.Role == intent.Role {
			return nil
		}
	}
	s.payouts[intent.PurchaseID] = append(s.payouts[intent.PurchaseID], storage.ReferralPayout{
		ID:         uuid.New(),
		PurchaseID: intent.PurchaseID,
		PayeeID:    intent.PayeeID,
		Role:       intent.Role,
		Rail:       purchase.Rail,
		Currency:   purchase.Currency,
		Amount:     intent.Amount,
		RateBps:    intent.RateBps,
		TxRef:      txRef,
		Status:     "completed",
		CreatedAt:  now,
	})
	return nil
}

func (s *Store) RecordReferralFailed(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Status == storage.IntentPaid {
		return nil
	}
	in.Status = storage.IntentFailed
	in.LastError = reason
	in.ClaimedAt = nil
	in.UpdatedAt = now
	return nil
}

func (s *Store) ListReferralPayouts(_ context.Context, purchaseID uuid.UUID) ([]storage.ReferralPayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]storage.ReferralPayout(nil), s.payouts[purchaseID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}
