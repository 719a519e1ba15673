package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/rate"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) ObserveReservation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func setup(t *testing.T, opts ...Option) (*Guard, *memory.Store, *storage.Listing, *clock) {
	t.Helper()
	store := memory.New()
	listing, err := store.CreateListing(context.Background(), storage.Listing{
		CreatorID: "0xcreator",
		Price:     decimal.NewFromInt(100),
		Available: true,
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(store, DefaultLease, nil, opts...), store, listing, clk
}

func TestTryReserveConcurrentSingleWinner(t *testing.T) {
	metrics := &countingMetrics{}
	guard, _, listing, _ := setup(t, WithMetrics(metrics))

	buyers := []string{"0xa", "0xb", "0xc", "0xd", "0xe", "0xf"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved, conflicts := 0, 0
	for _, buyer := range buyers {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			res, err := guard.TryReserve(context.Background(), listing.ID, buyer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Outcome == OutcomeReserved:
				reserved++
			case errors.Is(err, ErrReservationConflict):
				conflicts++
			default:
				t.Errorf("unexpected result %+v err=%v", res, err)
			}
		}(buyer)
	}
	wg.Wait()

	if reserved != 1 {
		t.Fatalf("expected exactly one reservation, got %d", reserved)
	}
	if conflicts != len(buyers)-1 {
		t.Fatalf("expected %d conflicts, got %d", len(buyers)-1, conflicts)
	}
	if metrics.outcomes[string(OutcomeReserved)] != 1 {
		t.Fatalf("expected one reserved metric, got %v", metrics.outcomes)
	}
}

func TestTryReserveConflictCarriesRetryAt(t *testing.T) {
	guard, _, listing, clk := setup(t)
	ctx := context.Background()

	if _, err := guard.TryReserve(ctx, listing.ID, "0xa"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	start := clk.Now()
	clk.Advance(time.Minute)

	res, err := guard.TryReserve(ctx, listing.ID, "0xb")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !conflict.RetryAt.Equal(start.Add(DefaultLease)) {
		t.Fatalf("expected retry at %s, got %s", start.Add(DefaultLease), conflict.RetryAt)
	}
	if res.Outcome != OutcomeAlreadyReserved {
		t.Fatalf("expected already_reserved, got %s", res.Outcome)
	}
}

func TestTryReserveAfterLeaseExpiry(t *testing.T) {
	guard, _, listing, clk := setup(t)
	ctx := context.Background()

	if _, err := guard.TryReserve(ctx, listing.ID, "0xa"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	clk.Advance(6 * time.Minute)

	res, err := guard.TryReserve(ctx, listing.ID, "0xb")
	if err != nil {
		t.Fatalf("expected reservation after lease expiry: %v", err)
	}
	if res.Outcome != OutcomeReserved || *res.Listing.ReservedBy != "0xb" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTryReserveRefreshesOwnClaim(t *testing.T) {
	guard, _, listing, clk := setup(t)
	ctx := context.Background()

	if _, err := guard.TryReserve(ctx, listing.ID, "0xa"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	clk.Advance(4 * time.Minute)
	res, err := guard.TryReserve(ctx, listing.ID, "0xa")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !res.ExpiresAt.Equal(clk.Now().Add(DefaultLease)) {
		t.Fatalf("expected refreshed expiry, got %s", res.ExpiresAt)
	}

	clk.Advance(4 * time.Minute)
	if _, err := guard.TryReserve(ctx, listing.ID, "0xb"); !errors.Is(err, ErrReservationConflict) {
		t.Fatalf("refreshed claim must still block, got %v", err)
	}
}

func TestTryReserveUnavailable(t *testing.T) {
	guard, store, _, clk := setup(t)
	ctx := context.Background()
	end := clk.Now().Add(time.Hour)
	auction, err := store.CreateListing(ctx, storage.Listing{
		CreatorID:        "0xcreator",
		Price:            decimal.NewFromInt(1),
		Available:        true,
		Biddable:         true,
		BiddingWindowEnd: &end,
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	res, err := guard.TryReserve(ctx, auction.ID, "0xa")
	if !errors.Is(err, storage.ErrListingUnavailable) {
		t.Fatalf("expected ErrListingUnavailable, got %v", err)
	}
	if res.Outcome != OutcomeUnavailable {
		t.Fatalf("expected unavailable, got %s", res.Outcome)
	}

	if _, err := guard.TryReserve(ctx, uuid.New(), "0xa"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	guard, store, listing, _ := setup(t)
	ctx := context.Background()

	if _, err := guard.TryReserve(ctx, listing.ID, "0xa"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	released, err := guard.Release(ctx, listing.ID, "0xb")
	if err != nil || released {
		t.Fatalf("non-holder must not release, released=%v err=%v", released, err)
	}
	released, err = guard.Release(ctx, listing.ID, "0xa")
	if err != nil || !released {
		t.Fatalf("holder release failed, released=%v err=%v", released, err)
	}
	got, _ := store.GetListing(ctx, listing.ID)
	if got.ReservedBy != nil || got.ReservedAt != nil {
		t.Fatalf("expected reservation cleared")
	}
}

func TestTryReserveRateLimited(t *testing.T) {
	guard, _, listing, _ := setup(t, WithLimiter(rate.NewMemory(1, time.Minute)))
	ctx := context.Background()

	if _, err := guard.TryReserve(ctx, listing.ID, "0xa"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err := guard.TryReserve(ctx, listing.ID, "0xa")
	var limited *RateLimitError
	if !errors.As(err, &limited) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if limited.RetryAfter <= 0 {
		t.Fatalf("expected positive retry after")
	}
}

func TestTryReserveFailsOpenWhenLimiterErrors(t *testing.T) {
	guard, _, listing, _ := setup(t, WithLimiter(failingLimiter{}))
	if _, err := guard.TryReserve(context.Background(), listing.ID, "0xa"); err != nil {
		t.Fatalf("expected reservation despite limiter error: %v", err)
	}
}
