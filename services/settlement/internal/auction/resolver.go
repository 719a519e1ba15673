// Package auction closes expired auctions and accepts bids on open ones.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/contentex/libs/kafka"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultBatchSize = 100
	DefaultTopic     = "settlement.auctions"
)

type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomeNoBids          Outcome = "no_bids_found"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeNotDue          Outcome = "not_due"
)

type Resolution struct {
	ListingID uuid.UUID
	Outcome   Outcome
	Winner    *storage.Bid
	BidCount  int
}

type ResolutionSummary struct {
	Scanned         int
	Resolved        int
	NoBids          int
	AlreadyResolved int
	Failed          int
	Resolutions     []Resolution
}

type Store interface {
	GetListing(ctx context.Context, id uuid.UUID) (*storage.Listing, error)
	ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	CloseAuction(ctx context.Context, listingID uuid.UUID, now time.Time, choose storage.WinnerFunc) (*storage.AuctionClose, error)
	PlaceBid(ctx context.Context, bid storage.Bid, now time.Time) (*storage.Bid, error)
	ListBids(ctx context.Context, listingID uuid.UUID) ([]storage.Bid, error)
}

type Metrics interface {
	ObserveAuction(outcome string)
	ObserveBid(status string)
}

type Resolver struct {
	store     Store
	publisher kafka.Publisher
	topic     string
	batchSize int
	logger    *slog.Logger
	metrics   Metrics
	now       func() time.Time
}

type Option func(*Resolver)

// WithPublisher enables auction.resolved events on topic.
func WithPublisher(p kafka.Publisher, topic string) Option {
	return func(r *Resolver) {
		r.publisher = p
		if topic != "" {
			r.topic = topic
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store Store, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:     store,
		topic:     DefaultTopic,
		batchSize: DefaultBatchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveExpiredAuctions closes every auction whose window has elapsed.
// Failures on one listing are logged and counted; the scan carries on, so
// a later run picks up whatever was left behind.
func (r *Resolver) ResolveExpiredAuctions(ctx context.Context) (ResolutionSummary, error) {
	var summary ResolutionSummary
	attempted := make(map[uuid.UUID]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		now := r.now()
		ids, err := r.store.ListDueAuctions(ctx, now, r.batchSize)
		if err != nil {
			return summary, fmt.Errorf("list due auctions: %w", err)
		}
		fresh := 0
		for _, id := range ids {
			if _, seen := attempted[id]; seen {
				continue
			}
			attempted[id] = struct{}{}
			fresh++
			summary.Scanned++

			res, err := r.resolve(ctx, id, now)
			if err != nil {
				summary.Failed++
				r.observe("failed")
				r.logger.Error("auction resolution failed", "listing_id", id, "error", err)
				continue
			}
			summary.Resolutions = append(summary.Resolutions, res)
			switch res.Outcome {
			case OutcomeResolved:
				summary.Resolved++
			case OutcomeNoBids:
				summary.NoBids++
			case OutcomeAlreadyResolved:
				summary.AlreadyResolved++
			}
		}
		// a short page means the scan is exhausted; an all-seen page means
		// only failures are left
		if len(ids) < r.batchSize || fresh == 0 {
			break
		}
	}
	if summary.Scanned > 0 {
		r.logger.Info("auction sweep finished",
			"scanned", summary.Scanned,
			"resolved", summary.Resolved,
			"no_bids", summary.NoBids,
			"already_resolved", summary.AlreadyResolved,
			"failed", summary.Failed,
		)
	}
	return summary, nil
}

// ResolveListing closes one auction if its window has elapsed. It returns
// OutcomeNotDue for an auction that is still open.
func (r *Resolver) ResolveListing(ctx context.Context, listingID uuid.UUID) (Resolution, error) {
	return r.resolve(ctx, listingID, r.now())
}

func (r *Resolver) resolve(ctx context.Context, listingID uuid.UUID, now time.Time) (Resolution, error) {
	closed, err := r.store.CloseAuction(ctx, listingID, now, pickWinner)
	if err != nil {
		return Resolution{ListingID: listingID}, err
	}
	res := Resolution{ListingID: listingID, BidCount: closed.BidCount}
	switch closed.Status {
	case storage.AuctionNotDue:
		res.Outcome = OutcomeNotDue
		return res, nil
	case storage.AuctionAlreadyClosed:
		res.Outcome = OutcomeAlreadyResolved
	case storage.AuctionClosed:
		if closed.Winner != nil {
			res.Outcome = OutcomeResolved
			res.Winner = closed.Winner
		} else {
			res.Outcome = OutcomeNoBids
		}
	default:
		return res, fmt.Errorf("unexpected auction close status %q", closed.Status)
	}
	r.observe(string(res.Outcome))

	if res.Outcome == OutcomeAlreadyResolved {
		return res, nil
	}
	if res.Winner != nil {
		r.logger.Info("auction resolved",
			"listing_id", listingID,
			"winner_id", res.Winner.BidderID,
			"amount", res.Winner.Amount.String(),
			"bids", res.BidCount,
		)
	} else {
		r.logger.Info("auction closed without bids", "listing_id", listingID)
	}
	r.publish(ctx, res, now)
	return res, nil
}

// pickWinner takes bids ranked by amount desc, placed_at asc. The ranking
// is re-applied here so a store that returns them unordered still gets the
// highest amount with ties going to the earliest bid.
func pickWinner(bids []storage.Bid) *storage.Bid {
	var best *storage.Bid
	for i := range bids {
		b := &bids[i]
		if best == nil ||
			b.Amount.GreaterThan(best.Amount) ||
			(b.Amount.Equal(best.Amount) && b.PlacedAt.Before(best.PlacedAt)) {
			best = b
		}
	}
	return best
}

func (r *Resolver) publish(ctx context.Context, res Resolution, now time.Time) {
	if r.publisher == nil {
		return
	}
	eventID := kafka.DeterministicEventID(auctionResolvedEventType, res.ListingID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, auctionResolvedEventType, 1, res.ListingID.String())
	if err != nil {
		r.logger.Error("build auction event failed", "listing_id", res.ListingID, "error", err)
		return
	}
	event := AuctionResolvedEvent{
		Envelope:   env,
		ListingID:  res.ListingID.String(),
		Outcome:    string(res.Outcome),
		BidCount:   res.BidCount,
		ResolvedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if w := res.Winner; w != nil {
		event.WinningBidID = w.ID.String()
		event.WinnerID = w.BidderID
		event.Amount = w.Amount.String()
		event.Currency = string(w.Currency)
	}
	if _, _, err := r.publisher.PublishJSON(ctx, r.topic, res.ListingID.String(), event); err != nil {
		r.logger.Error("publish auction event failed", "listing_id", res.ListingID, "error", err)
	}
}

var ErrInvalidBid = errors.New("invalid bid")

type PlaceBidInput struct {
	ListingID uuid.UUID
	BidderID  string
	Amount    decimal.Decimal
	Currency  storage.Currency
}

func (in PlaceBidInput) validate() error {
	if in.ListingID == uuid.Nil {
		return fmt.Errorf("%w: listing_id is required", ErrInvalidBid)
	}
	if strings.TrimSpace(in.BidderID) == "" {
		return fmt.Errorf("%w: bidder_id is required", ErrInvalidBid)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}
	return nil
}

// PlaceBid records a bid if the auction is open and the amount beats the
// current highest bid. The new bid becomes the only winning bid.
func (r *Resolver) PlaceBid(ctx context.Context, in PlaceBidInput) (*storage.Bid, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	currency := in.Currency
	if currency == "" {
		currency = storage.CurrencyNative
	}
	bid, err := r.store.PlaceBid(ctx, storage.Bid{
		ListingID: in.ListingID,
		BidderID:  strings.ToLower(strings.TrimSpace(in.BidderID)),
		Amount:    in.Amount,
		Currency:  currency,
	}, r.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBidTooLow):
			r.observeBid("too_low")
		case errors.Is(err, storage.ErrAuctionClosed):
			r.observeBid("closed")
		default:
			r.observeBid("error")
		}
		return nil, err
	}
	r.observeBid("accepted")
	return bid, nil
}

// ListBids resolves the auction first when its window has elapsed, so
// callers never see a stale winning flag.
func (r *Resolver) ListBids(ctx context.Context, listingID uuid.UUID) ([]storage.Bid, error) {
	listing, err := r.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.AuctionDue(r.now()) {
		if _, err := r.ResolveListing(ctx, listingID); err != nil {
			return nil, fmt.Errorf("resolve auction: %w", err)
		}
	}
	return r.store.ListBids(ctx, listingID)
}

func (r *Resolver) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveAuction(outcome)
	}
}

func (r *Resolver) observeBid(status string) {
	if r.metrics != nil {
		r.metrics.ObserveBid(status)
	}
}
