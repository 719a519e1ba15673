// Package memory is an in-process implementation of the settlement stores.
// It mirrors the Postgres semantics closely enough for unit tests and the
// single-node dev mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
)

var (
	_ storage.ListingStore  = (*Store)(nil)
	_ storage.BidStore      = (*Store)(nil)
	_ storage.ReferralStore = (*Store)(nil)
	_ storage.PurchaseStore = (*Store)(nil)
	_ storage.EventStore    = (*Store)(nil)
)

// Store keeps every table in maps guarded by one mutex, so each method is
// atomic the way a single SQL statement or transaction is.
type Store struct {
	mu sync.Mutex

	listings  map[uuid.UUID]*storage.Listing
	bids      map[uuid.UUID][]*storage.Bid
	tiers     map[string]storage.ReferralTier
	edges     map[string]storage.ReferralEdge
	purchases map[uuid.UUID]*storage.Purchase
	intents   map[uuid.UUID]*storage.ReferralIntent
	payouts   map[uuid.UUID][]storage.ReferralPayout
	events    map[string]time.Time
}

func New() *Store {
	return &Store{
		listings:  make(map[uuid.UUID]*storage.Listing),
		bids:      make(map[uuid.UUID][]*storage.Bid),
		tiers:     make(map[string]storage.ReferralTier),
		edges:     make(map[string]storage.ReferralEdge),
		purchases: make(map[uuid.UUID]*storage.Purchase),
		intents:   make(map[uuid.UUID]*storage.ReferralIntent),
		payouts:   make(map[uuid.UUID][]storage.ReferralPayout),
		events:    make(map[string]time.Time),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(v string) *string { return &v }

func copyListing(l *storage.Listing) *storage.Listing {
	c := *l
	return &c
}

func copyPurchase(p *storage.Purchase) *storage.Purchase {
	c := *p
	c.PayoutTransferRaw = append([]byte(nil), p.PayoutTransferRaw...)
	return &c
}

// Listings

func (s *Store) CreateListing(_ context.Context, listing storage.Listing) (*storage.Listing, error) {
	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	listing.CreatorID = strings.ToLower(strings.TrimSpace(listing.CreatorID))
	if listing.CreatorID == "" {
		return nil, fmt.Errorf("creator_id is required")
	}
	if listing.Price.IsNegative() {
		return nil, fmt.Errorf("price must be non-negative")
	}
	if listing.Biddable && listing.BiddingWindowEnd == nil {
		return nil, fmt.Errorf("biddable listing requires bidding_window_end")
	}
	if listing.Status == "" {
		listing.Status = storage.ListingStatusListed
	}
	now := time.Now().UTC()
	listing.CreatedAt = now
	listing.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listings[listing.ID]; exists {
		return nil, fmt.Errorf("listing %s already exists", listing.ID)
	}
	s.listings[listing.ID] = copyListing(&listing)
	return copyListing(&listing), nil
}

func (s *Store) GetListing(_ context.Context, id uuid.UUID) (*storage.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyListing(l), nil
}

func (s *Store) TryReserve(_ context.Context, listingID uuid.UUID, buyer string, now time.Time, lease time.Duration) (*storage.Listing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	claimable := l.Available && !l.Biddable && l.Status == storage.ListingStatusListed &&
		(l.ReservedBy == nil || *l.ReservedBy == buyer || l.ReservedAt.Before(now.Add(-lease)))
	if !claimable {
		return copyListing(l), false, nil
	}
	l.ReservedBy = strPtr(buyer)
	l.ReservedAt = timePtr(now)
	l.UpdatedAt = now
	return copyListing(l), true, nil
}

func (s *Store) ReleaseReservation(_ context.Context, listingID uuid.UUID, buyer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok || l.ReservedBy == nil || *l.ReservedBy != buyer {
		return false, nil
	}
	l.ReservedBy = nil
	l.ReservedAt = nil
	l.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) ListDueAuctions(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*storage.Listing
	for _, l := range s.listings {
		if l.AuctionDue(now) {
			due = append(due, l)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].BiddingWindowEnd.Before(*due[j].BiddingWindowEnd)
	})
	ids := make([]uuid.UUID, 0, len(due))
	for i, l := range due {
		if i == limit {
			break
		}
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (s *Store) closeListingSold(id uuid.UUID, now time.Time) {
	l := s.listings[id]
	l.Available = false
	l.Biddable = false
	l.ReservedBy = nil
	l.ReservedAt = nil
	l.Status = storage.ListingStatusSold
	l.UpdatedAt = now
}

// Bids

func (s *Store) rankedBids(listingID uuid.UUID) []storage.Bid {
	src := s.bids[listingID]
	out := make([]storage.Bid, 0, len(src))
	for _, b := range src {
		out = append(out, *b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Amount.Equal(out[j].Amount) {
			return out[i].Amount.GreaterThan(out[j].Amount)
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}

func (s *Store) PlaceBid(_ context.Context, bid storage.Bid, now time.Time) (*storage.Bid, error) {
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	bid.BidderID = strings.ToLower(strings.TrimSpace(bid.BidderID))
	if bid.BidderID == "" {
		return nil, fmt.Errorf("bidder_id is required")
	}
	if !bid.Amount.IsPositive() {
		return nil, fmt.Errorf("bid amount must be positive")
	}
	if bid.Currency == "" {
		bid.Currency = storage.CurrencyNative
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[bid.ListingID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !l.AuctionOpen(now) {
		return nil, storage.ErrAuctionClosed
	}
	for _, existing := range s.bids[bid.ListingID] {
		if !bid.Amount.GreaterThan(existing.Amount) {
			return nil, storage.ErrBidTooLow
		}
	}
	for _, existing := range s.bids[bid.ListingID] {
		existing.IsWinning = false
	}
	bid.PlacedAt = now
	bid.IsWinning = true
	bid.HasWon = false
	stored := bid
	s.bids[bid.ListingID] = append(s.bids[bid.ListingID], &stored)
	return &bid, nil
}

func (s *Store) ListBids(_ context.Context, listingID uuid.UUID) ([]storage.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankedBids(listingID), nil
}

func (s *Store) GetWinningBid(_ context.Context, listingID uuid.UUID) (*storage.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids[listingID] {
		if b.HasWon {
			c := *b
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) CloseAuction(_ context.Context, listingID uuid.UUID, now time.Time, choose storage.WinnerFunc) (*storage.AuctionClose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !l.Biddable || !l.Available {
		return &storage.AuctionClose{Status: storage.AuctionAlreadyClosed, Listing: copyListing(l)}, nil
	}
	if !l.AuctionDue(now) {
		return &storage.AuctionClose{Status: storage.AuctionNotDue, Listing: copyListing(l)}, nil
	}

	ranked := s.rankedBids(listingID)
	var winner *storage.Bid
	if choose != nil {
		winner = choose(ranked)
	}
	status := storage.ListingStatusExpired
	if winner != nil {
		for _, b := range s.bids[listingID] {
			b.IsWinning = b.ID == winner.ID
			b.HasWon = b.ID == winner.ID
		}
		winner.IsWinning = true
		winner.HasWon = true
		status = storage.ListingStatusListed
	}
	l.Available = false
	l.Biddable = false
	l.ReservedBy = nil
	l.ReservedAt = nil
	l.Status = status
	l.UpdatedAt = now
	return &storage.AuctionClose{
		Status:   storage.AuctionClosed,
		Listing:  copyListing(l),
		Winner:   winner,
		BidCount: len(ranked),
	}, nil
}

// Referral graph

func (s *Store) GetReferralEdge(_ context.Context, buyer string) (*storage.ReferralEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[strings.ToLower(buyer)]
	if !ok {
		return nil, nil
	}
	tier, ok := s.tiers[edge.Tier]
	if !ok {
		return nil, fmt.Errorf("referral tier %q missing", edge.Tier)
	}
	edge.DirectRateBps = tier.DirectRateBps
	edge.GrandRateBps = tier.GrandRateBps
	edge.OnchainTier = tier.OnchainTier
	return &edge, nil
}

func (s *Store) UpsertReferralTier(_ context.Context, tier storage.ReferralTier) error {
	if strings.TrimSpace(tier.Tier) == "" {
		return fmt.Errorf("tier is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier.Tier] = tier
	return nil
}

func (s *Store) UpsertReferralEdge(_ context.Context, edge storage.ReferralEdge) error {
	edge.BuyerID = strings.ToLower(strings.TrimSpace(edge.BuyerID))
	edge.DirectReferrerID = strings.ToLower(strings.TrimSpace(edge.DirectReferrerID))
	edge.GrandReferrerID = strings.ToLower(strings.TrimSpace(edge.GrandReferrerID))
	if edge.BuyerID == "" || edge.DirectReferrerID == "" {
		return fmt.Errorf("buyer_id and direct_referrer_id are required")
	}
	if edge.BuyerID == edge.DirectReferrerID {
		return fmt.Errorf("buyer cannot refer themselves")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tiers[edge.Tier]; !ok {
		return fmt.Errorf("referral tier %q missing", edge.Tier)
	}
	s.edges[edge.BuyerID] = edge
	return nil
}

// Events

func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = time.Now().UTC()
	}
	return nil
}
