package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []AuctionResolvedEvent
}

func (p *recordingPublisher) PublishJSON(_ context.Context, topic, _ string, value any) (int32, int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, 0, err
	}
	var event AuctionResolvedEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return 0, int64(len(p.events)), nil
}

func (p *recordingPublisher) Close() error { return nil }

// flakyStore fails CloseAuction for the listed ids.
type flakyStore struct {
	*memory.Store
	fail map[uuid.UUID]bool
}

func (s *flakyStore) CloseAuction(ctx context.Context, id uuid.UUID, now time.Time, choose storage.WinnerFunc) (*storage.AuctionClose, error) {
	if s.fail[id] {
		return nil, errors.New("connection reset")
	}
	return s.Store.CloseAuction(ctx, id, now, choose)
}

func newAuction(t *testing.T, store *memory.Store, end time.Time) *storage.Listing {
	t.Helper()
	l, err := store.CreateListing(context.Background(), storage.Listing{
		CreatorID:        "0xcreator",
		Price:            decimal.NewFromInt(10),
		Available:        true,
		Biddable:         true,
		BiddingWindowEnd: &end,
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	return l
}

func bid(t *testing.T, r *Resolver, clk *clock, listingID uuid.UUID, bidder string, amount int64, at time.Time) *storage.Bid {
	t.Helper()
	clk.Set(at)
	b, err := r.PlaceBid(context.Background(), PlaceBidInput{
		ListingID: listingID,
		BidderID:  bidder,
		Amount:    decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("PlaceBid(%s, %d): %v", bidder, amount, err)
	}
	return b
}

func TestResolveExpiredAuctionsSingleWinner(t *testing.T) {
	store := memory.New()
	clk := &clock{now: start}
	pub := &recordingPublisher{}
	r := NewResolver(store, nil, WithClock(clk.Now), WithPublisher(pub, ""))
	end := start.Add(time.Hour)
	listing := newAuction(t, store, end)

	bid(t, r, clk, listing.ID, "0xA", 5, start.Add(time.Minute))
	bid(t, r, clk, listing.ID, "0xB", 9, start.Add(2*time.Minute))
	bid(t, r, clk, listing.ID, "0xC", 12, start.Add(3*time.Minute))
	clk.Set(start.Add(4 * time.Minute))
	if _, err := r.PlaceBid(context.Background(), PlaceBidInput{ListingID: listing.ID, BidderID: "0xd", Amount: decimal.NewFromInt(11)}); !errors.Is(err, storage.ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow, got %v", err)
	}

	clk.Set(end.Add(time.Second))
	summary, err := r.ResolveExpiredAuctions(context.Background())
	if err != nil {
		t.Fatalf("ResolveExpiredAuctions: %v", err)
	}
	if summary.Scanned != 1 || summary.Resolved != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	res := summary.Resolutions[0]
	if res.Outcome != OutcomeResolved || res.Winner.BidderID != "0xc" || res.BidCount != 3 {
		t.Fatalf("unexpected resolution %+v", res)
	}

	bids, err := store.ListBids(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	winners := 0
	for _, b := range bids {
		if b.HasWon {
			winners++
			if !b.IsWinning || b.BidderID != "0xc" {
				t.Fatalf("unexpected winner %+v", b)
			}
		} else if b.IsWinning {
			t.Fatalf("losing bid still flagged winning: %+v", b)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	closed, _ := store.GetListing(context.Background(), listing.ID)
	if closed.Available || closed.Biddable || closed.ReservedBy != nil {
		t.Fatalf("listing not closed: %+v", closed)
	}

	if len(pub.events) != 1 || pub.topics[0] != DefaultTopic {
		t.Fatalf("expected one event on %s, got %v", DefaultTopic, pub.topics)
	}
	ev := pub.events[0]
	if ev.EventType != "auction.resolved" || ev.WinnerID != "0xc" || ev.Amount != "12" || ev.Validate() != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestResolveListingIsIdempotent(t *testing.T) {
	store := memory.New()
	clk := &clock{now: start}
	r := NewResolver(store, nil, WithClock(clk.Now))
	end := start.Add(time.Hour)
	listing := newAuction(t, store, end)
	bid(t, r, clk, listing.ID, "0xa", 3, start)

	res, err := r.ResolveListing(context.Background(), listing.ID)
	if err != nil || res.Outcome != OutcomeNotDue {
		t.Fatalf("expected not_due before window end, got %+v err=%v", res, err)
	}

	clk.Set(end)
	first, err := r.ResolveListing(context.Background(), listing.ID)
	if err != nil || first.Outcome != OutcomeResolved {
		t.Fatalf("first resolve: %+v err=%v", first, err)
	}
	second, err := r.ResolveListing(context.Background(), listing.ID)
	if err != nil || second.Outcome != OutcomeAlreadyResolved {
		t.Fatalf("second resolve: %+v err=%v", second, err)
	}
	won, err := store.GetWinningBid(context.Background(), listing.ID)
	if err != nil || won.BidderID != "0xa" {
		t.Fatalf("unexpected winner %+v err=%v", won, err)
	}
}

func TestResolveNoBids(t *testing.T) {
	store := memory.New()
	clk := &clock{now: start.Add(2 * time.Hour)}
	r := NewResolver(store, nil, WithClock(clk.Now))
	listing := newAuction(t, store, start.Add(time.Hour))

	summary, err := r.ResolveExpiredAuctions(context.Background())
	if err != nil {
		t.Fatalf("ResolveExpiredAuctions: %v", err)
	}
	if summary.NoBids != 1 {
		t.Fatalf("expected one no-bids outcome, got %+v", summary)
	}
	closed, _ := store.GetListing(context.Background(), listing.ID)
	if closed.Available || closed.Status != storage.ListingStatusExpired {
		t.Fatalf("expected expired listing, got %+v", closed)
	}
	if _, err := store.GetWinningBid(context.Background(), listing.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no winner, got %v", err)
	}
}

func TestResolveExpiredAuctionsContinuesPastFailures(t *testing.T) {
	mem := memory.New()
	clk := &clock{now: start}
	end := start.Add(time.Minute)
	broken := newAuction(t, mem, end)
	healthy := []*storage.Listing{newAuction(t, mem, end), newAuction(t, mem, end), newAuction(t, mem, end)}

	store := &flakyStore{Store: mem, fail: map[uuid.UUID]bool{broken.ID: true}}
	clk.Set(end.Add(time.Minute))
	r := NewResolver(store, nil, WithClock(clk.Now), WithBatchSize(2))

	summary, err := r.ResolveExpiredAuctions(context.Background())
	if err != nil {
		t.Fatalf("ResolveExpiredAuctions: %v", err)
	}
	if summary.Failed != 1 || summary.NoBids != len(healthy) || summary.Scanned != len(healthy)+1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, l := range healthy {
		got, _ := mem.GetListing(context.Background(), l.ID)
		if got.Available {
			t.Fatalf("listing %s left open", l.ID)
		}
	}
	still, _ := mem.GetListing(context.Background(), broken.ID)
	if !still.Available || !still.Biddable {
		t.Fatalf("failed listing must stay due for the next run")
	}
}

func TestListBidsResolvesOnDemand(t *testing.T) {
	store := memory.New()
	clk := &clock{now: start}
	r := NewResolver(store, nil, WithClock(clk.Now))
	end := start.Add(time.Hour)
	listing := newAuction(t, store, end)
	bid(t, r, clk, listing.ID, "0xa", 4, start)

	bids, err := r.ListBids(context.Background(), listing.ID)
	if err != nil || len(bids) != 1 || bids[0].HasWon {
		t.Fatalf("open auction must not be resolved, bids=%+v err=%v", bids, err)
	}

	clk.Set(end.Add(time.Second))
	bids, err = r.ListBids(context.Background(), listing.ID)
	if err != nil || len(bids) != 1 || !bids[0].HasWon {
		t.Fatalf("expected resolved winner, bids=%+v err=%v", bids, err)
	}
	if _, err := r.ListBids(context.Background(), uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaceBidValidation(t *testing.T) {
	store := memory.New()
	clk := &clock{now: start}
	r := NewResolver(store, nil, WithClock(clk.Now))
	listing := newAuction(t, store, start.Add(time.Hour))

	cases := []PlaceBidInput{
		{BidderID: "0xa", Amount: decimal.NewFromInt(1)},
		{ListingID: listing.ID, Amount: decimal.NewFromInt(1)},
		{ListingID: listing.ID, BidderID: "0xa", Amount: decimal.Zero},
	}
	for _, in := range cases {
		if _, err := r.PlaceBid(context.Background(), in); !errors.Is(err, ErrInvalidBid) {
			t.Fatalf("expected validation error for %+v", in)
		}
	}

	clk.Set(start.Add(2 * time.Hour))
	if _, err := r.PlaceBid(context.Background(), PlaceBidInput{ListingID: listing.ID, BidderID: "0xa", Amount: decimal.NewFromInt(1)}); !errors.Is(err, storage.ErrAuctionClosed) {
		t.Fatalf("expected ErrAuctionClosed, got %v", err)
	}
}

func TestPickWinnerTieGoesToEarliest(t *testing.T) {
	early := storage.Bid{ID: uuid.New(), Amount: decimal.NewFromInt(7), PlacedAt: start}
	late := storage.Bid{ID: uuid.New(), Amount: decimal.NewFromInt(7), PlacedAt: start.Add(time.Second)}
	low := storage.Bid{ID: uuid.New(), Amount: decimal.NewFromInt(2), PlacedAt: start.Add(-time.Hour)}

	got := pickWinner([]storage.Bid{late, low, early})
	if got == nil || got.ID != early.ID {
		t.Fatalf("expected earliest highest bid, got %+v", got)
	}
	if pickWinner(nil) != nil {
		t.Fatalf("expected no winner for no bids")
	}
}
