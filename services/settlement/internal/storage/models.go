package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rail is a settlement network.
type Rail string

const (
	// RailMainnet settles in the native or stable token; referrals are paid
	// off-chain by the referral cascade.
	RailMainnet Rail = "mainnet"
	// RailTestnet settles in a single token; its purchase contract pays
	// referrals on-chain.
	RailTestnet Rail = "testnet"
)

func ParseRail(s string) (Rail, error) {
	switch Rail(strings.ToLower(strings.TrimSpace(s))) {
	case RailMainnet:
		return RailMainnet, nil
	case RailTestnet:
		return RailTestnet, nil
	}
	return "", fmt.Errorf("unknown rail %q", s)
}

// OffchainReferrals reports whether referral legs on this rail go through the cascade.
func (r Rail) OffchainReferrals() bool {
	return r == RailMainnet
}

// Currency is the token a buyer pays with.
type Currency string

const (
	CurrencyNative       Currency = "native"
	CurrencyStable       Currency = "stable"
	CurrencyTestnetToken Currency = "testnet_token"
)

func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToLower(strings.TrimSpace(s))) {
	case CurrencyNative:
		return CurrencyNative, nil
	case CurrencyStable:
		return CurrencyStable, nil
	case CurrencyTestnetToken:
		return CurrencyTestnetToken, nil
	}
	return "", fmt.Errorf("unknown currency %q", s)
}

const (
	ListingStatusListed   = "listed"
	ListingStatusSold     = "sold"
	ListingStatusRejected = "rejected"
	ListingStatusExpired  = "expired"
)

const (
	PaymentPending    = "pending"
	PaymentCompleted  = "completed"
	PaymentRolledBack = "rolled_back"
)

// SupersededReason is recorded on a pending purchase rolled back because
// another buyer reserved the listing after its lease lapsed.
const SupersededReason = "superseded: reservation lease expired"

const (
	PayoutPending       = "pending"
	PayoutCompleted     = "completed"
	PayoutNotApplicable = "not_applicable"
	PayoutFailed        = "failed"
)

const (
	ReferralPending   = "pending"
	ReferralCompleted = "completed"
	ReferralFailed    = "failed"
)

const (
	RoleDirect = "direct"
	RoleGrand  = "grand"
)

const (
	IntentPending  = "pending"
	IntentInFlight = "in_flight"
	IntentPaid     = "paid"
	IntentFailed   = "failed"
)

type Listing struct {
	ID                 uuid.UUID
	CreatorID          string
	Price              decimal.Decimal
	Available          bool
	Biddable           bool
	BiddingWindowEnd   *time.Time
	ReservedBy         *string
	ReservedAt         *time.Time
	RailRegistrationID string
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuctionOpen reports whether bids are still accepted at now.
func (l Listing) AuctionOpen(now time.Time) bool {
	return l.Biddable && l.Available && l.BiddingWindowEnd != nil && now.Before(*l.BiddingWindowEnd)
}

// AuctionDue reports whether the auction window has elapsed and the listing is still open.
func (l Listing) AuctionDue(now time.Time) bool {
	return l.Biddable && l.Available && l.BiddingWindowEnd != nil && !now.Before(*l.BiddingWindowEnd)
}

// ReservationLive reports whether someone holds an unexpired reservation at now.
func (l Listing) ReservationLive(now time.Time, lease time.Duration) bool {
	return l.ReservedBy != nil && l.ReservedAt != nil && !l.ReservedAt.Add(lease).Before(now)
}

// ReservedFor reports whether buyer holds a live reservation at now.
func (l Listing) ReservedFor(buyer string, now time.Time, lease time.Duration) bool {
	return l.ReservationLive(now, lease) && *l.ReservedBy == buyer
}

type Bid struct {
	ID        uuid.UUID
	ListingID uuid.UUID
	BidderID  string
	Amount    decimal.Decimal
	Currency  Currency
	PlacedAt  time.Time
	IsWinning bool
	HasWon    bool
}

// ReferralEdge joins the buyer's referral edge with its tier rates.
type ReferralEdge struct {
	BuyerID          string
	DirectReferrerID string
	GrandReferrerID  string
	Tier             string
	DirectRateBps    int
	GrandRateBps     int
	OnchainTier      uint8
}

type ReferralTier struct {
	Tier          string
	DirectRateBps int
	GrandRateBps  int
	OnchainTier   uint8
}

type Purchase struct {
	ID                        uuid.UUID
	ListingID                 uuid.UUID
	BuyerID                   string
	CreatorID                 string
	Rail                      Rail
	Currency                  Currency
	AmountPaid                decimal.Decimal
	NormalizedAmount          decimal.Decimal
	ReferenceRate             *decimal.Decimal
	PlatformFee               decimal.Decimal
	CreatorPayout             decimal.Decimal
	DirectReferrerID          string
	GrandReferrerID           string
	DirectReferralAmount      decimal.Decimal
	GrandReferralAmount       decimal.Decimal
	DirectRateBps             int
	GrandRateBps              int
	PaymentStatus             string
	PayoutStatus              string
	ReferralStatus            string
	PaymentTxRef              string
	PayoutTxRef               string
	ReferralRegistrationTxRef string
	// PayoutTransferRef and PayoutTransferRaw hold the signed creator
	// transfer from before its broadcast until the payout is recorded.
	PayoutTransferRef         string
	PayoutTransferRaw         []byte
	PayoutClaimedAt           *time.Time
	LastError                 string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	ConfirmedAt               *time.Time
}

// ReferralLegs returns the legs owed for p, skipping zero amounts.
func (p Purchase) ReferralLegs() []ReferralIntent {
	var legs []ReferralIntent
	if p.DirectReferrerID != "" && p.DirectReferralAmount.IsPositive() {
		legs = append(legs, ReferralIntent{
			PurchaseID: p.ID,
			Role:       RoleDirect,
			PayeeID:    p.DirectReferrerID,
			Amount:     p.DirectReferralAmount,
			RateBps:    p.DirectRateBps,
			Status:     IntentPending,
		})
	}
	if p.GrandReferrerID != "" && p.GrandReferralAmount.IsPositive() {
		legs = append(legs, ReferralIntent{
			PurchaseID: p.ID,
			Role:       RoleGrand,
			PayeeID:    p.GrandReferrerID,
			Amount:     p.GrandReferralAmount,
			RateBps:    p.GrandRateBps,
			Status:     IntentPending,
		})
	}
	return legs
}

// ReferralIntent is the outbox row persisted before a referral transfer.
type ReferralIntent struct {
	ID          uuid.UUID
	PurchaseID  uuid.UUID
	Role        string
	PayeeID     string
	Amount      decimal.Decimal
	RateBps     int
	Status      string
	Attempts    int
	LastError   string
	// TxRef is set when the leg's transfer is signed; TransferRaw is the
	// signed transaction resent on every later attempt.
	TxRef       string
	TransferRaw []byte
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReferralPayout is one paid referral leg. Rows are never updated.
type ReferralPayout struct {
	ID         uuid.UUID
	PurchaseID uuid.UUID
	PayeeID    string
	Role       string
	Rail       Rail
	Currency   Currency
	Amount     decimal.Decimal
	RateBps    int
	TxRef      string
	Status     string
	CreatedAt  time.Time
}

// PurchasePath says how a buyer earned the right to purchase a listing.
type PurchasePath string

const (
	PathReservation   PurchasePath = "reservation"
	PathAuctionWinner PurchasePath = "auction_winner"
)

type CreatePurchaseParams struct {
	Purchase Purchase
	Path     PurchasePath
	Lease    time.Duration
	Now      time.Time
}

const (
	AuctionClosed        = "closed"
	AuctionAlreadyClosed = "already_closed"
	AuctionNotDue        = "not_due"
)

// AuctionClose reports what CloseAuction did to a listing.
type AuctionClose struct {
	Status   string
	Listing  *Listing
	Winner   *Bid
	BidCount int
}

// WinnerFunc picks the winning bid from bids ranked by amount desc, placed_at asc.
type WinnerFunc func(bids []Bid) *Bid
