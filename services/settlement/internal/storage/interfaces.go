package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListingStore is the durable record of listings and their reservation lease.
type ListingStore interface {
	CreateListing(ctx context.Context, listing Listing) (*Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	// TryReserve claims the listing for buyer in a single conditional write.
	// It returns the listing as it stands after the attempt and whether the
	// claim took effect.
	TryReserve(ctx context.Context, listingID uuid.UUID, buyer string, now time.Time, lease time.Duration) (*Listing, bool, error)
	ReleaseReservation(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error)
	ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// BidStore is the bid ledger.
type BidStore interface {
	PlaceBid(ctx context.Context, bid Bid, now time.Time) (*Bid, error)
	ListBids(ctx context.Context, listingID uuid.UUID) ([]Bid, error)
	GetWinningBid(ctx context.Context, listingID uuid.UUID) (*Bid, error)
	CloseAuction(ctx context.Context, listingID uuid.UUID, now time.Time, choose WinnerFunc) (*AuctionClose, error)
}

// ReferralStore is the read side of the referral graph plus seeding helpers.
type ReferralStore interface {
	GetReferralEdge(ctx context.Context, buyer string) (*ReferralEdge, error)
	UpsertReferralTier(ctx context.Context, tier ReferralTier) error
	UpsertReferralEdge(ctx context.Context, edge ReferralEdge) error
}

// PurchaseStore is the purchase ledger and the referral outbox.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, params CreatePurchaseParams) (*Purchase, error)
	GetPurchase(ctx context.Context, id uuid.UUID) (*Purchase, error)
	ConfirmPurchase(ctx context.Context, id uuid.UUID, txRef string, now time.Time) (*Purchase, bool, error)
	RollbackPurchase(ctx context.Context, id uuid.UUID, now time.Time) (*Purchase, bool, error)

	ClaimPayout(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*Purchase, bool, error)
	RecordPayoutTransfer(ctx context.Context, id uuid.UUID, prevRef, txRef string, raw []byte, now time.Time) error
	ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error
	CompletePayout(ctx context.Context, id uuid.UUID, txRef string, intents []ReferralIntent, now time.Time) error
	FailPayout(ctx context.Context, id uuid.UUID, reason string, now time.Time) error

	EnsureReferralIntents(ctx context.Context, intents []ReferralIntent, now time.Time) error
	ListReferralIntents(ctx context.Context, purchaseID uuid.UUID) ([]ReferralIntent, error)
	ClaimReferralIntent(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (bool, error)
	RecordReferralTransfer(ctx context.Context, id uuid.UUID, prevRef, txRef string, raw []byte, now time.Time) error
	RecordReferralPaid(ctx context.Context, intent ReferralIntent, purchase Purchase, txRef string, now time.Time) error
	RecordReferralFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	ReferralRegistration(ctx context.Context, buyer string) (string, error)
	SetReferralRegistration(ctx context.Context, purchaseID uuid.UUID, txRef string, now time.Time) error
	SetReferralStatus(ctx context.Context, purchaseID uuid.UUID, status string, now time.Time) error
	ListReferralPayouts(ctx context.Context, purchaseID uuid.UUID) ([]ReferralPayout, error)

	ListStalledReferrals(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error)
	ListAbandonedPurchases(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]Purchase, error)
}

// EventStore records consumed Kafka events for idempotent handling.
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
}
