// Package reservation grants buyers a time-bounded exclusive claim on a
// listing while they pay for it.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
)

const DefaultLease = 5 * time.Minute

var (
	ErrReservationConflict = errors.New("listing is reserved by another buyer")
	ErrRateLimited         = errors.New("too many reservation attempts")
)

// ConflictError is returned when another buyer holds a live reservation.
type ConflictError struct {
	ListingID uuid.UUID
	RetryAt   time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("listing %s reserved until %s", e.ListingID, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrReservationConflict
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many reservation attempts, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type Outcome string

const (
	OutcomeReserved        Outcome = "reserved"
	OutcomeAlreadyReserved Outcome = "already_reserved"
	OutcomeUnavailable     Outcome = "unavailable"
)

type Result struct {
	Outcome   Outcome
	Listing   *storage.Listing
	ExpiresAt time.Time
	RetryAt   time.Time
}

type Store interface {
	TryReserve(ctx context.Context, listingID uuid.UUID, buyer string, now time.Time, lease time.Duration) (*storage.Listing, bool, error)
	ReleaseReservation(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

type Metrics interface {
	ObserveReservation(outcome string)
}

type Guard struct {
	store   Store
	limiter Limiter
	lease   time.Duration
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

type Option func(*Guard)

func WithLimiter(l Limiter) Option {
	return func(g *Guard) { g.limiter = l }
}

func WithMetrics(m Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(store Store, lease time.Duration, logger *slog.Logger, opts ...Option) *Guard {
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		store:  store,
		lease:  lease,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Lease() time.Duration {
	return g.lease
}

// TryReserve claims listingID for buyer. A buyer re-reserving their own live
// claim refreshes it. When another buyer holds the listing the error is a
// *ConflictError; when the listing cannot be bought it is
// storage.ErrListingUnavailable. The Result is filled in either way.
func (g *Guard) TryReserve(ctx context.Context, listingID uuid.UUID, buyer string) (Result, error) {
	now := g.now()
	if g.limiter != nil {
		allowed, retryAfter, err := g.limiter.Allow(ctx, buyer, now)
		if err != nil {
			// fail open
			g.logger.Warn("reservation rate limiter failed", "buyer_id", buyer, "error", err)
		} else if !allowed {
			g.observe("rate_limited")
			return Result{}, &RateLimitError{RetryAfter: retryAfter}
		}
	}

	listing, ok, err := g.store.TryReserve(ctx, listingID, buyer, now, g.lease)
	if err != nil {
		return Result{}, err
	}
	if ok {
		g.observe(string(OutcomeReserved))
		return Result{Outcome: OutcomeReserved, Listing: listing, ExpiresAt: now.Add(g.lease)}, nil
	}

	res := g.classify(listing, now)
	g.observe(string(res.Outcome))
	if res.Outcome == OutcomeAlreadyReserved {
		return res, &ConflictError{ListingID: listingID, RetryAt: res.RetryAt}
	}
	return res, fmt.Errorf("%w: listing %s", storage.ErrListingUnavailable, listingID)
}

func (g *Guard) classify(listing *storage.Listing, now time.Time) Result {
	res := Result{Outcome: OutcomeUnavailable, Listing: listing}
	if !listing.Available || listing.Biddable || listing.Status != storage.ListingStatusListed {
		return res
	}
	if listing.ReservedBy != nil && listing.ReservedAt != nil {
		res.Outcome = OutcomeAlreadyReserved
		res.RetryAt = listing.ReservedAt.Add(g.lease)
		if res.RetryAt.Before(now) {
			// lapsed between the write and the read
			res.RetryAt = now
		}
	}
	return res
}

// Release clears the reservation only if buyer holds it.
func (g *Guard) Release(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error) {
	released, err := g.store.ReleaseReservation(ctx, listingID, buyer)
	if err != nil {
		return false, err
	}
	if released {
		g.observe("released")
	}
	return released, nil
}

func (g *Guard) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.ObserveReservation(outcome)
	}
}
