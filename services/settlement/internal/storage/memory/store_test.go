package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

const lease = 5 * time.Minute

func mustListing(t *testing.T, s *Store, l storage.Listing) *storage.Listing {
	t.Helper()
	if l.CreatorID == "" {
		l.CreatorID = "0xCreator"
	}
	if l.Price.IsZero() {
		l.Price = decimal.NewFromInt(100)
	}
	l.Available = true
	created, err := s.CreateListing(context.Background(), l)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	return created
}

func TestTryReserveSingleWinnerAndLeaseExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	listing := mustListing(t, s, storage.Listing{})
	if listing.CreatorID != "0xcreator" {
		t.Fatalf("expected lowercased creator, got %s", listing.CreatorID)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var wins int32
	var wg sync.WaitGroup
	for _, buyer := range []string{"0xa", "0xb", "0xc", "0xd"} {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			_, ok, err := s.TryReserve(ctx, listing.ID, buyer, now, lease)
			if err != nil {
				t.Errorf("TryReserve: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(buyer)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one reservation, got %d", wins)
	}

	current, _ := s.GetListing(ctx, listing.ID)
	holder := *current.ReservedBy
	other := "0xe"

	if _, ok, _ := s.TryReserve(ctx, listing.ID, other, now.Add(4*time.Minute), lease); ok {
		t.Fatalf("expected live lease to block")
	}
	got, ok, err := s.TryReserve(ctx, listing.ID, other, now.Add(6*time.Minute), lease)
	if err != nil || !ok {
		t.Fatalf("expected reservation after expiry, ok=%v err=%v", ok, err)
	}
	if *got.ReservedBy != other {
		t.Fatalf("expected %s to hold reservation, got %s (was %s)", other, *got.ReservedBy, holder)
	}
}

func TestBidRankingAndClose(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour)
	listing := mustListing(t, s, storage.Listing{Biddable: true, BiddingWindowEnd: &end})

	if _, _, err := s.TryReserve(ctx, listing.ID, "0xa", now, lease); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if l, _ := s.GetListing(ctx, listing.ID); l.ReservedBy != nil {
		t.Fatalf("auction listings must not be reservable")
	}

	first, err := s.PlaceBid(ctx, storage.Bid{ListingID: listing.ID, BidderID: "0xa", Amount: decimal.NewFromInt(5)}, now)
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if _, err := s.PlaceBid(ctx, storage.Bid{ListingID: listing.ID, BidderID: "0xb", Amount: decimal.NewFromInt(5)}, now.Add(time.Second)); !errors.Is(err, storage.ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow, got %v", err)
	}
	second, err := s.PlaceBid(ctx, storage.Bid{ListingID: listing.ID, BidderID: "0xb", Amount: decimal.NewFromInt(7)}, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	bids, _ := s.ListBids(ctx, listing.ID)
	if bids[0].ID != second.ID || !bids[0].IsWinning || bids[1].ID != first.ID || bids[1].IsWinning {
		t.Fatalf("unexpected ranking %+v", bids)
	}

	res, err := s.CloseAuction(ctx, listing.ID, now, nil)
	if err != nil || res.Status != storage.AuctionNotDue {
		t.Fatalf("expected not_due, got %+v err=%v", res, err)
	}
	res, err = s.CloseAuction(ctx, listing.ID, end, func(b []storage.Bid) *storage.Bid { return &b[0] })
	if err != nil || res.Status != storage.AuctionClosed || res.Winner.ID != second.ID {
		t.Fatalf("unexpected close %+v err=%v", res, err)
	}
	won, err := s.GetWinningBid(ctx, listing.ID)
	if err != nil || won.BidderID != "0xb" {
		t.Fatalf("unexpected winner %+v err=%v", won, err)
	}
	res, _ = s.CloseAuction(ctx, listing.ID, end, nil)
	if res.Status != storage.AuctionAlreadyClosed {
		t.Fatalf("expected already_closed, got %s", res.Status)
	}
}

func TestPurchaseLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	listing := mustListing(t, s, storage.Listing{})

	p := storage.Purchase{
		ListingID:      listing.ID,
		BuyerID:        "0xa",
		Rail:           storage.RailMainnet,
		Currency:       storage.CurrencyNative,
		AmountPaid:     decimal.NewFromInt(100),
		PaymentStatus:  storage.PaymentPending,
		PayoutStatus:   storage.PayoutPending,
		ReferralStatus: storage.ReferralCompleted,
	}
	params := storage.CreatePurchaseParams{Purchase: p, Path: storage.PathReservation, Lease: lease, Now: now}
	if _, err := s.CreatePurchase(ctx, params); !errors.Is(err, storage.ErrReservationNotHeld) {
		t.Fatalf("expected ErrReservationNotHeld, got %v", err)
	}
	if _, _, err := s.TryReserve(ctx, listing.ID, "0xa", now, lease); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	created, err := s.CreatePurchase(ctx, params)
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if _, err := s.CreatePurchase(ctx, params); !errors.Is(err, storage.ErrDuplicatePurchase) {
		t.Fatalf("expected ErrDuplicatePurchase, got %v", err)
	}

	confirmed, changed, err := s.ConfirmPurchase(ctx, created.ID, "0xpay", now)
	if err != nil || !changed || confirmed.PaymentStatus != storage.PaymentCompleted {
		t.Fatalf("ConfirmPurchase: %+v changed=%v err=%v", confirmed, changed, err)
	}
	if _, changed, _ := s.ConfirmPurchase(ctx, created.ID, "0xpay", now); changed {
		t.Fatalf("second confirm must be a no-op")
	}
	l, _ := s.GetListing(ctx, listing.ID)
	if l.Available || l.Status != storage.ListingStatusSold || l.ReservedBy != nil {
		t.Fatalf("listing not closed: %+v", l)
	}

	if _, _, err := s.RollbackPurchase(ctx, created.ID, now); !errors.Is(err, storage.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	after, _ := s.GetPurchase(ctx, created.ID)
	if after.PaymentStatus != storage.PaymentCompleted {
		t.Fatalf("rollback must not change a completed purchase")
	}
}

func TestReferralOutboxIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	listing := mustListing(t, s, storage.Listing{})
	if _, _, err := s.TryReserve(ctx, listing.ID, "0xa", now, lease); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	p, err := s.CreatePurchase(ctx, storage.CreatePurchaseParams{
		Purchase: storage.Purchase{
			ListingID:            listing.ID,
			BuyerID:              "0xa",
			Rail:                 storage.RailMainnet,
			Currency:             storage.CurrencyNative,
			AmountPaid:           decimal.NewFromInt(100),
			DirectReferrerID:     "0xd",
			DirectReferralAmount: decimal.NewFromInt(5),
			DirectRateBps:        500,
			PaymentStatus:        storage.PaymentCompleted,
			PayoutStatus:         storage.PayoutPending,
			ReferralStatus:       storage.ReferralPending,
		},
		Path:  storage.PathReservation,
		Lease: lease,
		Now:   now,
	})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	if _, ok, _ := s.ClaimPayout(ctx, p.ID, now, time.Minute); !ok {
		t.Fatalf("expected payout claim")
	}
	if _, ok, _ := s.ClaimPayout(ctx, p.ID, now, time.Minute); ok {
		t.Fatalf("second payout claim must fail while leased")
	}
	if err := s.CompletePayout(ctx, p.ID, "0xc", p.ReferralLegs(), now); err != nil {
		t.Fatalf("CompletePayout: %v", err)
	}
	if err := s.EnsureReferralIntents(ctx, p.ReferralLegs(), now); err != nil {
		t.Fatalf("EnsureReferralIntents: %v", err)
	}
	intents, _ := s.ListReferralIntents(ctx, p.ID)
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}

	in := intents[0]
	if ok, _ := s.ClaimReferralIntent(ctx, in.ID, now, time.Minute); !ok {
		t.Fatalf("expected intent claim")
	}
	if ok, _ := s.ClaimReferralIntent(ctx, in.ID, now, time.Minute); ok {
		t.Fatalf("in-flight intent must not be reclaimed inside its lease")
	}
	for i := 0; i < 2; i++ {
		if err := s.RecordReferralPaid(ctx, in, *p, "0xr", now); err != nil {
			t.Fatalf("RecordReferralPaid: %v", err)
		}
	}
	payouts, _ := s.ListReferralPayouts(ctx, p.ID)
	if len(payouts) != 1 || !payouts[0].Amount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected one payout of 5, got %+v", payouts)
	}
}

func TestSignedTransferCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	listing := mustListing(t, s, storage.Listing{})
	if _, _, err := s.TryReserve(ctx, listing.ID, "0xa", now, lease); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	p, err := s.CreatePurchase(ctx, storage.CreatePurchaseParams{
		Purchase: storage.Purchase{
			ListingID:            listing.ID,
			BuyerID:              "0xa",
			Rail:                 storage.RailMainnet,
			Currency:             storage.CurrencyNative,
			AmountPaid:           decimal.NewFromInt(100),
			CreatorPayout:        decimal.NewFromInt(70),
			DirectReferrerID:     "0xd",
			DirectReferralAmount: decimal.NewFromInt(5),
			DirectRateBps:        500,
			PaymentStatus:        storage.PaymentCompleted,
			PayoutStatus:         storage.PayoutPending,
			ReferralStatus:       storage.ReferralPending,
		},
		Path:  storage.PathReservation,
		Lease: lease,
		Now:   now,
	})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	if err := s.RecordPayoutTransfer(ctx, p.ID, "", "0x1", []byte("raw1"), now); err != nil {
		t.Fatalf("RecordPayoutTransfer: %v", err)
	}
	if err := s.RecordPayoutTransfer(ctx, p.ID, "", "0x2", []byte("raw2"), now); !errors.Is(err, storage.ErrInvariantViolation) {
		t.Fatalf("a stale worker must not replace the stored transfer, got %v", err)
	}
	failed, _ := s.ListFailedPayouts(ctx, 10)
	if len(failed) != 1 || failed[0].PayoutTransferRef != "0x1" || string(failed[0].PayoutTransferRaw) != "raw1" {
		t.Fatalf("expected the unrecorded transfer in the failed queue, got %+v", failed)
	}
	if err := s.RecordPayoutTransfer(ctx, p.ID, "0x1", "0x2", []byte("raw2"), now); err != nil {
		t.Fatalf("replacing a dropped transfer: %v", err)
	}

	if err := s.CompletePayout(ctx, p.ID, "0x2", p.ReferralLegs(), now); err != nil {
		t.Fatalf("CompletePayout: %v", err)
	}
	if failed, _ := s.ListFailedPayouts(ctx, 10); len(failed) != 0 {
		t.Fatalf("completed payout still queued: %+v", failed)
	}
	if err := s.RecordPayoutTransfer(ctx, p.ID, "0x2", "0x3", []byte("raw3"), now); !errors.Is(err, storage.ErrInvariantViolation) {
		t.Fatalf("a completed payout takes no new transfer, got %v", err)
	}

	intents, _ := s.ListReferralIntents(ctx, p.ID)
	in := intents[0]
	if err := s.RecordReferralTransfer(ctx, in.ID, "", "0xr1", []byte("leg"), now); err != nil {
		t.Fatalf("RecordReferralTransfer: %v", err)
	}
	if err := s.RecordReferralTransfer(ctx, in.ID, "", "0xr2", []byte("leg2"), now); !errors.Is(err, storage.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	intents, _ = s.ListReferralIntents(ctx, p.ID)
	if intents[0].TxRef != "0xr1" || string(intents[0].TransferRaw) != "leg" {
		t.Fatalf("stored leg transfer changed: %+v", intents[0])
	}
	if err := s.RecordReferralPaid(ctx, intents[0], *p, "0xr1", now); err != nil {
		t.Fatalf("RecordReferralPaid: %v", err)
	}
	if err := s.RecordReferralTransfer(ctx, in.ID, "0xr1", "0xr2", []byte("leg2"), now); !errors.Is(err, storage.ErrInvariantViolation) {
		t.Fatalf("a paid leg takes no new transfer, got %v", err)
	}
}

func TestReservationSupersedesExpiredPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	listing := mustListing(t, s, storage.Listing{})
	purchase := func(buyer string) storage.CreatePurchaseParams {
		return storage.CreatePurchaseParams{
			Purchase: storage.Purchase{
				ListingID:      listing.ID,
				BuyerID:        buyer,
				Rail:           storage.RailMainnet,
				Currency:       storage.CurrencyNative,
				AmountPaid:     decimal.NewFromInt(100),
				PaymentStatus:  storage.PaymentPending,
				PayoutStatus:   storage.PayoutPending,
				ReferralStatus: storage.ReferralCompleted,
			},
			Path:  storage.PathReservation,
			Lease: lease,
		}
	}

	if _, _, err := s.TryReserve(ctx, listing.ID, "0xa", now, lease); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	params := purchase("0xa")
	params.Now = now
	first, err := s.CreatePurchase(ctx, params)
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	later := now.Add(6 * time.Minute)
	if _, ok, err := s.TryReserve(ctx, listing.ID, "0xb", later, lease); err != nil || !ok {
		t.Fatalf("TryReserve after expiry: ok=%v err=%v", ok, err)
	}
	params = purchase("0xb")
	params.Now = later
	if _, err := s.CreatePurchase(ctx, params); err != nil {
		t.Fatalf("the new reservation holder must be able to buy: %v", err)
	}
	old, _ := s.GetPurchase(ctx, first.ID)
	if old.PaymentStatus != storage.PaymentRolledBack || old.LastError != storage.SupersededReason {
		t.Fatalf("expected superseded purchase, got %s %q", old.PaymentStatus, old.LastError)
	}
	if _, changed, err := s.ConfirmPurchase(ctx, first.ID, "0xlate", later); changed || err == nil {
		t.Fatalf("a superseded purchase cannot be confirmed: changed=%v err=%v", changed, err)
	}
}

func TestReferralRegistrationFirstWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if ref, err := s.ReferralRegistration(ctx, "0xa"); err != nil || ref != "" {
		t.Fatalf("expected no registration, got %q err=%v", ref, err)
	}

	var created []storage.Purchase
	for i := 0; i < 2; i++ {
		listing := mustListing(t, s, storage.Listing{})
		at := now.Add(time.Duration(i) * time.Minute)
		if _, _, err := s.TryReserve(ctx, listing.ID, "0xa", at, lease); err != nil {
			t.Fatalf("TryReserve: %v", err)
		}
		p, err := s.CreatePurchase(ctx, storage.CreatePurchaseParams{
			Purchase: storage.Purchase{
				ListingID:      listing.ID,
				BuyerID:        "0xa",
				Rail:           storage.RailTestnet,
				Currency:       storage.CurrencyTestnetToken,
				AmountPaid:     decimal.NewFromInt(40),
				PaymentStatus:  storage.PaymentPending,
				PayoutStatus:   storage.PayoutPending,
				ReferralStatus: storage.ReferralCompleted,
			},
			Path:  storage.PathReservation,
			Lease: lease,
			Now:   at,
		})
		if err != nil {
			t.Fatalf("CreatePurchase: %v", err)
		}
		created = append(created, *p)
	}

	if err := s.SetReferralRegistration(ctx, created[0].ID, "0xreg1", now); err != nil {
		t.Fatalf("SetReferralRegistration: %v", err)
	}
	if err := s.SetReferralRegistration(ctx, created[1].ID, "0xreg1", now); err != nil {
		t.Fatalf("SetReferralRegistration: %v", err)
	}
	if err := s.SetReferralRegistration(ctx, created[0].ID, "0xreg2", now); err != nil {
		t.Fatalf("SetReferralRegistration: %v", err)
	}
	if ref, _ := s.ReferralRegistration(ctx, "0xa"); ref != "0xreg1" {
		t.Fatalf("expected the first registration, got %q", ref)
	}
}
