package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
	"github.com/AfshinJalili/contentex/services/settlement/internal/calculator"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submit(e *env, listingID uuid.UUID, amount, txRef string) (*storage.Purchase, error) {
	return e.o.SubmitPurchase(context.Background(), SubmitInput{
		ListingID:  listingID,
		BuyerID:    buyer,
		Rail:       storage.RailMainnet,
		Currency:   storage.CurrencyNative,
		AmountPaid: dec(amount),
		TxRef:      txRef,
	})
}

func TestSubmitPurchaseRequiresReservation(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "100")

	_, err := submit(e, l.ID, "100", "0xpay")
	assert.ErrorIs(t, err, storage.ErrReservationNotHeld)

	e.reserve(t, l.ID, "0xsomeoneelse")
	_, err = submit(e, l.ID, "100", "0xpay")
	assert.ErrorIs(t, err, storage.ErrReservationNotHeld)

	_, err = submit(e, uuid.New(), "100", "0xpay")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitPurchaseSettlesEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)

	p, err := e.o.SubmitPurchase(ctx, SubmitInput{
		ListingID:  l.ID,
		BuyerID:    "0xBUYER",
		Rail:       storage.RailMainnet,
		Currency:   storage.CurrencyNative,
		AmountPaid: dec("100"),
		TxRef:      "0xpay",
	})
	require.NoError(t, err)

	assert.Equal(t, buyer, p.BuyerID)
	assert.Equal(t, storage.PaymentCompleted, p.PaymentStatus)
	assert.Equal(t, storage.PayoutCompleted, p.PayoutStatus)
	assert.Equal(t, storage.ReferralCompleted, p.ReferralStatus)
	assert.True(t, p.PlatformFee.Equal(dec("30")))

	creatorPaid := e.treasury.sentTo(creator)
	require.Len(t, creatorPaid, 1)
	assert.True(t, creatorPaid[0].Amount.Equal(dec("70")))
	assert.Equal(t, creatorPaid[0].TxRef, p.PayoutTxRef)

	payouts, err := e.store.ListReferralPayouts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, storage.RoleDirect, payouts[0].Role)
	assert.True(t, payouts[0].Amount.Equal(dec("5")))
	assert.Equal(t, storage.RoleGrand, payouts[1].Role)
	assert.True(t, payouts[1].Amount.Equal(dec("2.5")))

	listing, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, listing.Available)
	assert.Equal(t, storage.ListingStatusSold, listing.Status)
	assert.Nil(t, listing.ReservedBy)
}

func TestSubmitPurchasePendingThenConfirm(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)

	p, err := submit(e, l.ID, "100", "")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentPending, p.PaymentStatus)
	assert.Empty(t, e.treasury.sentTo(creator), "nothing is paid before the payment completes")

	held, _ := e.store.GetListing(ctx, l.ID)
	require.NotNil(t, held.ReservedBy)
	assert.Equal(t, buyer, *held.ReservedBy)

	_, err = e.o.ConfirmPurchase(ctx, p.ID, "0xintruder", "0xpay")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.o.ConfirmPurchase(ctx, p.ID, buyer, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	confirmed, err := e.o.ConfirmPurchase(ctx, p.ID, buyer, "0xpay")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentCompleted, confirmed.PaymentStatus)
	assert.Equal(t, storage.PayoutCompleted, confirmed.PayoutStatus)
	assert.Equal(t, "0xpay", confirmed.PaymentTxRef)

	again, err := e.o.ConfirmPurchase(ctx, p.ID, buyer, "0xother")
	require.NoError(t, err)
	assert.Equal(t, "0xpay", again.PaymentTxRef, "second confirm is a no-op")
	assert.Len(t, e.treasury.sentTo(creator), 1)
}

func TestRollbackRejectedAfterCompletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)
	p, err := submit(e, l.ID, "100", "0xpay")
	require.NoError(t, err)
	before, _ := e.store.GetPurchase(ctx, p.ID)

	_, err = e.o.RollbackPurchase(ctx, p.ID, buyer)
	assert.ErrorIs(t, err, storage.ErrInvariantViolation)

	after, _ := e.store.GetPurchase(ctx, p.ID)
	assert.Equal(t, before.PaymentStatus, after.PaymentStatus)
	assert.Equal(t, before.PayoutStatus, after.PayoutStatus)
	assert.Equal(t, before.ReferralStatus, after.ReferralStatus)
	listing, _ := e.store.GetListing(ctx, l.ID)
	assert.Equal(t, storage.ListingStatusSold, listing.Status)
}

func TestRollbackRestoresListing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)
	p, err := submit(e, l.ID, "100", "")
	require.NoError(t, err)

	_, err = e.o.RollbackPurchase(ctx, p.ID, "0xintruder")
	assert.ErrorIs(t, err, ErrForbidden)

	rolled, err := e.o.RollbackPurchase(ctx, p.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentRolledBack, rolled.PaymentStatus)

	listing, _ := e.store.GetListing(ctx, l.ID)
	assert.True(t, listing.Available)
	assert.Nil(t, listing.ReservedBy)
	assert.Equal(t, storage.ListingStatusListed, listing.Status)

	again, err := e.o.RollbackPurchase(ctx, p.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentRolledBack, again.PaymentStatus)

	_, err = e.o.ConfirmPurchase(ctx, p.ID, buyer, "0xpay")
	assert.ErrorIs(t, err, storage.ErrInvariantViolation)
}

func TestSubmitStablePurchaseUsesOracle(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)

	p, err := e.o.SubmitPurchase(context.Background(), SubmitInput{
		ListingID:  l.ID,
		BuyerID:    buyer,
		Rail:       storage.RailMainnet,
		Currency:   storage.CurrencyStable,
		AmountPaid: dec("10"),
		TxRef:      "0xpay",
	})
	require.NoError(t, err)
	assert.True(t, p.NormalizedAmount.Equal(dec("100")), "normalized %s", p.NormalizedAmount)
	assert.True(t, p.PlatformFee.Equal(dec("4")))
	require.NotNil(t, p.ReferenceRate)
	assert.True(t, p.ReferenceRate.Equal(dec("0.1")))
}

func TestSubmitUnderpaidIsRejected(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)

	_, err := submit(e, l.ID, "50", "0xpay")
	assert.ErrorIs(t, err, calculator.ErrUnderpaid)

	_, err = e.o.SubmitPurchase(context.Background(), SubmitInput{
		ListingID: l.ID, BuyerID: buyer, Rail: storage.RailTestnet, Currency: storage.CurrencyNative, AmountPaid: dec("100"),
	})
	assert.ErrorIs(t, err, calculator.ErrUnsupportedCombination)
}

func TestSubmitFreeContent(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "0")
	e.reserve(t, l.ID, buyer)

	p, err := submit(e, l.ID, "0", "")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentCompleted, p.PaymentStatus)
	assert.Equal(t, storage.PayoutNotApplicable, p.PayoutStatus)
	assert.Equal(t, storage.ReferralCompleted, p.ReferralStatus)
	assert.Empty(t, e.treasury.sentTo(creator))
}

func TestSubmitTestnetVerifiesAndRegisters(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "40")
	e.reserve(t, l.ID, buyer)
	e.contract.purchased = false

	in := SubmitInput{
		ListingID:  l.ID,
		BuyerID:    buyer,
		Rail:       storage.RailTestnet,
		Currency:   storage.CurrencyTestnetToken,
		AmountPaid: dec("40"),
		TxRef:      "0xpay",
	}
	_, err := e.o.SubmitPurchase(context.Background(), in)
	assert.ErrorIs(t, err, ErrPaymentNotVerified)
	assert.Empty(t, e.contract.registered, "a rejected submit registers nothing")

	e.contract.purchased = true
	p, err := e.o.SubmitPurchase(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "0xreg", p.ReferralRegistrationTxRef)
	assert.Equal(t, []string{buyer + "|" + direct + "|" + grand + "|2"}, e.contract.registered)
	assert.Equal(t, storage.ReferralCompleted, p.ReferralStatus)
	assert.Equal(t, storage.PayoutCompleted, p.PayoutStatus)
	assert.True(t, p.DirectReferralAmount.Equal(dec("2")))

	payouts, _ := e.store.ListReferralPayouts(context.Background(), p.ID)
	assert.Empty(t, payouts, "testnet referrals are paid by the contract")
	assert.Len(t, e.treasury.sentTo(direct), 0)
}

func TestReferralRegisteredOncePerBuyer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "40")
	e.reserve(t, l.ID, buyer)

	in := SubmitInput{
		ListingID:  l.ID,
		BuyerID:    buyer,
		Rail:       storage.RailTestnet,
		Currency:   storage.CurrencyTestnetToken,
		AmountPaid: dec("40"),
	}
	pending, err := e.o.SubmitPurchase(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentPending, pending.PaymentStatus)
	assert.Equal(t, "0xreg", pending.ReferralRegistrationTxRef)
	require.Len(t, e.contract.registered, 1)

	_, err = e.o.SubmitPurchase(ctx, in)
	assert.ErrorIs(t, err, storage.ErrDuplicatePurchase)
	assert.Len(t, e.contract.registered, 1, "a resubmit does not register again")

	_, err = e.o.RollbackPurchase(ctx, pending.ID, buyer)
	require.NoError(t, err)
	e.reserve(t, l.ID, buyer)
	in.TxRef = "0xpay"
	p, err := e.o.SubmitPurchase(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentCompleted, p.PaymentStatus)
	assert.Equal(t, "0xreg", p.ReferralRegistrationTxRef, "the first registration is reused")
	assert.Len(t, e.contract.registered, 1)
}

func TestSubmitAfterAbandonedReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)
	first, err := submit(e, l.ID, "100", "")
	require.NoError(t, err)
	require.Equal(t, storage.PaymentPending, first.PaymentStatus)

	// the first buyer's lease lapses long before the abandon sweep
	e.clock.Advance(6 * time.Minute)
	const second = "0xsecond"
	e.reserve(t, l.ID, second)
	p, err := e.o.SubmitPurchase(ctx, SubmitInput{
		ListingID:  l.ID,
		BuyerID:    second,
		Rail:       storage.RailMainnet,
		Currency:   storage.CurrencyNative,
		AmountPaid: dec("100"),
		TxRef:      "0xpay2",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentCompleted, p.PaymentStatus)
	assert.Equal(t, storage.PayoutCompleted, p.PayoutStatus)

	old, err := e.store.GetPurchase(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentRolledBack, old.PaymentStatus)
	assert.Equal(t, storage.SupersededReason, old.LastError)

	_, err = e.o.ConfirmPurchase(ctx, first.ID, buyer, "0xlate")
	assert.ErrorIs(t, err, storage.ErrInvariantViolation)
	assert.Len(t, e.treasury.sentTo(creator), 1)
}

func TestSubmitAuctionWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	resolver := auction.NewResolver(e.store, nil, auction.WithClock(e.clock.Now))
	e.o.resolver = resolver

	end := start.Add(time.Hour)
	l, err := e.store.CreateListing(ctx, storage.Listing{
		CreatorID:        creator,
		Price:            dec("10"),
		Available:        true,
		Biddable:         true,
		BiddingWindowEnd: &end,
	})
	require.NoError(t, err)
	_, err = resolver.PlaceBid(ctx, auction.PlaceBidInput{ListingID: l.ID, BidderID: "0xrival", Amount: dec("15")})
	require.NoError(t, err)
	_, err = resolver.PlaceBid(ctx, auction.PlaceBidInput{ListingID: l.ID, BidderID: buyer, Amount: dec("20")})
	require.NoError(t, err)

	_, err = submit(e, l.ID, "20", "0xpay")
	assert.ErrorIs(t, err, storage.ErrListingUnavailable, "open auctions cannot be bought")

	e.clock.Advance(2 * time.Hour)
	_, err = e.o.SubmitPurchase(ctx, SubmitInput{
		ListingID: l.ID, BuyerID: "0xrival", Rail: storage.RailMainnet, Currency: storage.CurrencyNative, AmountPaid: dec("20"), TxRef: "0xpay",
	})
	assert.ErrorIs(t, err, storage.ErrListingUnavailable)

	_, err = submit(e, l.ID, "10", "0xpay")
	assert.ErrorIs(t, err, calculator.ErrUnderpaid, "winning bid is the expected price")

	p, err := submit(e, l.ID, "20", "0xpay")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentCompleted, p.PaymentStatus)
	assert.True(t, p.CreatorPayout.Equal(dec("14")))
	listing, _ := e.store.GetListing(ctx, l.ID)
	assert.Equal(t, storage.ListingStatusSold, listing.Status)
}

func TestDistributeInsufficientTreasury(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.treasury.balance = dec("10")
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)

	p, err := submit(e, l.ID, "100", "0xpay")
	require.NoError(t, err, "settlement failures are not returned to the buyer")
	assert.Equal(t, storage.PaymentCompleted, p.PaymentStatus)
	assert.Equal(t, storage.PayoutPending, p.PayoutStatus)

	_, err = e.o.Distribute(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInsufficientTreasuryBalance)
	stored, _ := e.store.GetPurchase(ctx, p.ID)
	assert.Equal(t, storage.PayoutPending, stored.PayoutStatus)
	assert.Nil(t, stored.PayoutClaimedAt, "claim is released")

	e.treasury.balance = dec("1000")
	res, err := e.o.ReplayFailedReferralPayouts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PayoutCompleted, res.Purchase.PayoutStatus)
	assert.Equal(t, storage.ReferralCompleted, res.Purchase.ReferralStatus)
	require.NotNil(t, res.Distribution)
	require.NotNil(t, res.Cascade)
}

func TestDistributeTransferFailureIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.treasury.setFailures(creator, -1)
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)

	p, err := submit(e, l.ID, "100", "0xpay")
	require.NoError(t, err)
	assert.Equal(t, storage.PayoutFailed, p.PayoutStatus)
	assert.NotEmpty(t, p.LastError)

	queue, err := e.o.ListFailedPayouts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, p.ID, queue[0].ID)

	_, err = e.o.Distribute(ctx, p.ID)
	assert.ErrorIs(t, err, ErrExternalCallFailed)

	e.treasury.setFailures(creator, 0)
	res, err := e.o.ReplayFailedReferralPayouts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PayoutCompleted, res.Purchase.PayoutStatus)
	assert.Empty(t, res.Purchase.LastError)
	assert.Len(t, e.treasury.sentTo(creator), 1)

	again, err := e.o.Distribute(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Len(t, e.treasury.sentTo(creator), 1)
}

func TestDistributeRetriesTransientFailures(t *testing.T) {
	e := newEnv(t)
	e.treasury.setFailures(creator, 2)
	p := e.paidPurchase(t)

	res, err := e.o.Distribute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PayoutCompleted, res.Purchase.PayoutStatus)
	assert.Len(t, e.treasury.sentTo(creator), 1)
}

func TestDistributeRequiresCompletedPayment(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)
	p, err := submit(e, l.ID, "100", "")
	require.NoError(t, err)

	_, err = e.o.Distribute(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)
	_, err = e.o.ReplayFailedReferralPayouts(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)
}

func TestDistributeHonoursClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.paidPurchase(t)

	_, ok, err := e.store.ClaimPayout(ctx, p.ID, e.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.o.Distribute(ctx, p.ID)
	assert.ErrorIs(t, err, ErrPayoutInProgress)
	assert.Empty(t, e.treasury.sentTo(creator))

	e.clock.Advance(3 * time.Minute)
	res, err := e.o.Distribute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PayoutCompleted, res.Purchase.PayoutStatus)
}

func TestSweepStalledReferrals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.o.SetDispatcher(nil)
	p := e.paidPurchase(t)
	_, err := e.o.Distribute(ctx, p.ID)
	require.NoError(t, err)

	e.o.SetDispatcher(e.dispatch)
	n, err := e.o.SweepStalledReferrals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh purchases are left alone")

	e.clock.Advance(11 * time.Minute)
	n, err = e.o.SweepStalledReferrals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, _ := e.store.GetPurchase(ctx, p.ID)
	assert.Equal(t, storage.ReferralCompleted, current.ReferralStatus)
}

func TestRollbackAbandoned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)
	p, err := submit(e, l.ID, "100", "")
	require.NoError(t, err)

	n, err := e.o.RollbackAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e.clock.Advance(31 * time.Minute)
	n, err = e.o.RollbackAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, _ := e.store.GetPurchase(ctx, p.ID)
	assert.Equal(t, storage.PaymentRolledBack, current.PaymentStatus)
}

func TestGetPurchaseOwnership(t *testing.T) {
	e := newEnv(t)
	p := e.paidPurchase(t)

	got, err := e.o.GetPurchase(context.Background(), p.ID, "0xBuyer")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = e.o.GetPurchase(context.Background(), p.ID, direct)
	assert.True(t, errors.Is(err, ErrForbidden))
}
