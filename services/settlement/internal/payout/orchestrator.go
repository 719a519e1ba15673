// Package payout drives a purchase from payment through creator payout and
// the referral cascade. Every step is keyed on durable status columns so it
// can be retried or replayed without paying anyone twice.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/contentex/libs/kafka"
	"github.com/AfshinJalili/contentex/libs/trace"
	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
	"github.com/AfshinJalili/contentex/services/settlement/internal/calculator"
	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidInput = errors.New("invalid input")

type Store interface {
	GetListing(ctx context.Context, id uuid.UUID) (*storage.Listing, error)
	GetWinningBid(ctx context.Context, listingID uuid.UUID) (*storage.Bid, error)
	GetReferralEdge(ctx context.Context, buyer string) (*storage.ReferralEdge, error)
	storage.PurchaseStore
}

// Treasury moves funds out of the platform treasury on one rail.
// TransferNative hands the signed transfer to persist before broadcasting
// it; Resend broadcasts a persisted transfer again and never signs.
type Treasury interface {
	TreasuryBalance(ctx context.Context) (decimal.Decimal, error)
	TransferNative(ctx context.Context, to string, amount decimal.Decimal, persist func(context.Context, chain.Transfer) error) (chain.Transfer, error)
	Resend(ctx context.Context, t chain.Transfer) error
}

// PurchaseContract is the testnet contract that records purchases and pays
// referrals on-chain.
type PurchaseContract interface {
	VerifyPurchase(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error)
	RegisterReferral(ctx context.Context, buyer, direct, grand string, tier uint8) (string, error)
}

type RateSource interface {
	ReferenceRate(ctx context.Context) (decimal.Decimal, error)
}

type AuctionResolver interface {
	ResolveListing(ctx context.Context, listingID uuid.UUID) (auction.Resolution, error)
}

type Metrics interface {
	ObservePurchase(status string)
	ObservePayout(status string)
	ObserveReferralLeg(status string)
	ObserveExternalCall(op, status string)
	ObserveRetry(op string)
	ObserveDispatch(kind, status string)
}

type Config struct {
	ReservationLease time.Duration
	ClaimLease       time.Duration
	IntentLease      time.Duration
	SweepAfter       time.Duration
	AbandonAfter     time.Duration
	SweepBatch       int
	Retry            RetryPolicy
	PurchaseTopic    string
}

func DefaultConfig() Config {
	return Config{
		ReservationLease: 5 * time.Minute,
		ClaimLease:       2 * time.Minute,
		IntentLease:      2 * time.Minute,
		SweepAfter:       10 * time.Minute,
		AbandonAfter:     30 * time.Minute,
		SweepBatch:       100,
		Retry:            DefaultRetryPolicy(),
		PurchaseTopic:    DefaultPurchaseTopic,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReservationLease <= 0 {
		c.ReservationLease = d.ReservationLease
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = d.ClaimLease
	}
	if c.IntentLease <= 0 {
		c.IntentLease = d.IntentLease
	}
	if c.SweepAfter <= 0 {
		c.SweepAfter = d.SweepAfter
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = d.AbandonAfter
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = d.Retry
	}
	if c.PurchaseTopic == "" {
		c.PurchaseTopic = d.PurchaseTopic
	}
	return c
}

type Orchestrator struct {
	store      Store
	calc       *calculator.Calculator
	cfg        Config
	treasuries map[storage.Rail]Treasury
	contract   PurchaseContract
	oracle     RateSource
	resolver   AuctionResolver
	dispatcher Dispatcher
	publisher  kafka.Publisher
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithTreasury(rail storage.Rail, t Treasury) Option {
	return func(o *Orchestrator) { o.treasuries[rail] = t }
}

func WithPurchaseContract(c PurchaseContract) Option {
	return func(o *Orchestrator) { o.contract = c }
}

func WithOracle(r RateSource) Option {
	return func(o *Orchestrator) { o.oracle = r }
}

func WithResolver(r AuctionResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

func WithDispatcher(d Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

func WithPublisher(p kafka.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(store Store, calc *calculator.Calculator, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:      store,
		calc:       calc,
		cfg:        cfg.withDefaults(),
		treasuries: make(map[storage.Rail]Treasury),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDispatcher swaps the cascade dispatcher after construction, for
// dispatchers that need the orchestrator themselves.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

type SubmitInput struct {
	ListingID  uuid.UUID
	BuyerID    string
	Rail       storage.Rail
	Currency   storage.Currency
	AmountPaid decimal.Decimal
	TxRef      string
}

func (in SubmitInput) validate() error {
	if in.ListingID == uuid.Nil {
		return fmt.Errorf("%w: listing_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.BuyerID) == "" {
		return fmt.Errorf("%w: buyer_id is required", ErrInvalidInput)
	}
	if in.AmountPaid.IsNegative() {
		return fmt.Errorf("%w: amount_paid must be non-negative", ErrInvalidInput)
	}
	return nil
}

// SubmitPurchase records a purchase for a buyer holding either a live
// reservation or the winning bid of a closed auction. Free content and
// purchases carrying a payment tx ref are completed immediately and settled;
// settlement failures land in the status columns, not in the returned error.
func (o *Orchestrator) SubmitPurchase(ctx context.Context, in SubmitInput) (*storage.Purchase, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	buyer := normalizeWallet(in.BuyerID)
	now := o.now()

	listing, path, expected, err := o.purchaseRight(ctx, in.ListingID, buyer, now)
	if err != nil {
		return nil, err
	}

	calcIn := calculator.Input{
		Listing:       *listing,
		ExpectedPrice: expected,
		Rail:          in.Rail,
		Currency:      in.Currency,
		AmountPaid:    in.AmountPaid,
	}
	if in.Currency == storage.CurrencyStable {
		if o.oracle == nil {
			return nil, fmt.Errorf("%w: no reference rate source", ErrExternalCallFailed)
		}
		rate, err := call(ctx, o, "reference_rate", o.oracle.ReferenceRate)
		if err != nil {
			return nil, err
		}
		calcIn.ReferenceRate = &rate
	}
	edge, err := o.store.GetReferralEdge(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("read referral edge: %w", err)
	}
	calcIn.Referral = edge

	settlement, err := o.calc.Compute(calcIn)
	if err != nil {
		return nil, err
	}

	txRef := strings.TrimSpace(in.TxRef)
	p := storage.Purchase{
		ID:                   uuid.New(),
		ListingID:            listing.ID,
		BuyerID:              buyer,
		CreatorID:            listing.CreatorID,
		Rail:                 in.Rail,
		Currency:             in.Currency,
		AmountPaid:           in.AmountPaid,
		NormalizedAmount:     settlement.NormalizedAmount,
		ReferenceRate:        settlement.ReferenceRate,
		PlatformFee:          settlement.PlatformFee,
		CreatorPayout:        settlement.CreatorPayout,
		DirectReferrerID:     settlement.DirectReferrerID,
		GrandReferrerID:      settlement.GrandReferrerID,
		DirectReferralAmount: settlement.DirectReferralAmount,
		GrandReferralAmount:  settlement.GrandReferralAmount,
		DirectRateBps:        settlement.DirectRateBps,
		GrandRateBps:         settlement.GrandRateBps,
		PaymentStatus:        storage.PaymentPending,
		PayoutStatus:         settlement.PayoutStatus,
		ReferralStatus:       settlement.ReferralStatus,
		PaymentTxRef:         txRef,
	}

	if txRef != "" {
		if err := o.verifyPayment(ctx, in.Rail, listing.ID, buyer); err != nil {
			return nil, err
		}
	}
	if settlement.Free() || txRef != "" {
		p.PaymentStatus = storage.PaymentCompleted
	}

	created, err := o.store.CreatePurchase(ctx, storage.CreatePurchaseParams{
		Purchase: p,
		Path:     path,
		Lease:    o.cfg.ReservationLease,
		Now:      now,
	})
	if err != nil {
		o.observePurchase("rejected")
		return nil, err
	}
	o.observePurchase(created.PaymentStatus)
	o.logger.Info("purchase recorded",
		"purchase_id", created.ID,
		"listing_id", created.ListingID,
		"buyer_id", created.BuyerID,
		"rail", created.Rail,
		"currency", created.Currency,
		"path", path,
		"payment_status", created.PaymentStatus,
	)
	if created.Rail == storage.RailTestnet && edge != nil {
		o.registerReferral(ctx, created, edge)
	}

	if created.PaymentStatus != storage.PaymentCompleted {
		return created, nil
	}
	o.publishLifecycle(ctx, purchaseCompletedEventType, created, created.PaymentTxRef, "")
	return o.settle(ctx, created), nil
}

// purchaseRight works out how buyer may purchase the listing and what price
// they owe. Auctions that are due are resolved first.
func (o *Orchestrator) purchaseRight(ctx context.Context, listingID uuid.UUID, buyer string, now time.Time) (*storage.Listing, storage.PurchasePath, decimal.Decimal, error) {
	listing, err := o.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, "", decimal.Zero, err
	}
	if listing.AuctionDue(now) && o.resolver != nil {
		if _, err := o.resolver.ResolveListing(ctx, listingID); err != nil {
			return nil, "", decimal.Zero, fmt.Errorf("resolve auction: %w", err)
		}
		if listing, err = o.store.GetListing(ctx, listingID); err != nil {
			return nil, "", decimal.Zero, err
		}
	}
	if listing.Status != storage.ListingStatusListed {
		return nil, "", decimal.Zero, storage.ErrListingUnavailable
	}

	if !listing.Available && !listing.Biddable {
		won, err := o.store.GetWinningBid(ctx, listingID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", decimal.Zero, storage.ErrListingUnavailable
		}
		if err != nil {
			return nil, "", decimal.Zero, err
		}
		if won.BidderID != buyer {
			return nil, "", decimal.Zero, storage.ErrListingUnavailable
		}
		return listing, storage.PathAuctionWinner, won.Amount, nil
	}

	if !listing.Available || listing.Biddable {
		return nil, "", decimal.Zero, storage.ErrListingUnavailable
	}
	if !listing.ReservedFor(buyer, now, o.cfg.ReservationLease) {
		return nil, "", decimal.Zero, storage.ErrReservationNotHeld
	}
	return listing, storage.PathReservation, listing.Price, nil
}

// registerReferral records the buyer's referrers with the testnet contract
// once per buyer; later purchases reuse the first registration. It runs only
// after the purchase is recorded and is best effort: failures are logged and
// the purchase goes ahead.
func (o *Orchestrator) registerReferral(ctx context.Context, p *storage.Purchase, edge *storage.ReferralEdge) {
	if o.contract == nil || edge.DirectReferrerID == "" {
		return
	}
	txRef, err := o.store.ReferralRegistration(ctx, p.BuyerID)
	if err != nil {
		o.logger.Warn("read referral registration failed", "buyer_id", p.BuyerID, "error", err)
		return
	}
	if txRef == "" {
		txRef, err = call(ctx, o, "register_referral", func(ctx context.Context) (string, error) {
			return o.contract.RegisterReferral(ctx, p.BuyerID, edge.DirectReferrerID, edge.GrandReferrerID, edge.OnchainTier)
		})
		if err != nil {
			o.logger.Warn("on-chain referral registration failed", "buyer_id", p.BuyerID, "error", err)
			return
		}
	}
	if err := o.store.SetReferralRegistration(ctx, p.ID, txRef, o.now()); err != nil {
		o.logger.Warn("record referral registration failed", "purchase_id", p.ID, "tx_ref", txRef, "error", err)
		return
	}
	p.ReferralRegistrationTxRef = txRef
}

// verifyPayment checks testnet purchases against the purchase contract.
// Mainnet tx refs are recorded as given.
func (o *Orchestrator) verifyPayment(ctx context.Context, rail storage.Rail, listingID uuid.UUID, buyer string) error {
	if rail != storage.RailTestnet {
		return nil
	}
	if o.contract == nil {
		return fmt.Errorf("%w: %s purchase contract", ErrRailNotConfigured, rail)
	}
	ok, err := call(ctx, o, "verify_purchase", func(ctx context.Context) (bool, error) {
		return o.contract.VerifyPurchase(ctx, listingID, buyer)
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: listing %s buyer %s", ErrPaymentNotVerified, listingID, buyer)
	}
	return nil
}

// GetPurchase returns the purchase if it belongs to buyer.
func (o *Orchestrator) GetPurchase(ctx context.Context, purchaseID uuid.UUID, buyer string) (*storage.Purchase, error) {
	p, err := o.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.BuyerID != normalizeWallet(buyer) {
		return nil, ErrForbidden
	}
	return p, nil
}

// ConfirmPurchase attaches the payment tx ref to a pending purchase, closes
// the listing and settles. Confirming a completed purchase returns it
// unchanged.
func (o *Orchestrator) ConfirmPurchase(ctx context.Context, purchaseID uuid.UUID, buyer, txRef string) (*storage.Purchase, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return nil, fmt.Errorf("%w: tx_ref is required", ErrInvalidInput)
	}
	p, err := o.GetPurchase(ctx, purchaseID, buyer)
	if err != nil {
		return nil, err
	}
	switch p.PaymentStatus {
	case storage.PaymentCompleted:
		return p, nil
	case storage.PaymentRolledBack:
		return nil, fmt.Errorf("%w: purchase %s was rolled back", storage.ErrInvariantViolation, purchaseID)
	}
	if err := o.verifyPayment(ctx, p.Rail, p.ListingID, p.BuyerID); err != nil {
		return nil, err
	}

	confirmed, changed, err := o.store.ConfirmPurchase(ctx, purchaseID, txRef, o.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return confirmed, nil
	}
	o.observePurchase(storage.PaymentCompleted)
	o.logger.Info("purchase confirmed", "purchase_id", purchaseID, "tx_ref", txRef)
	o.publishLifecycle(ctx, purchaseCompletedEventType, confirmed, txRef, "")
	return o.settle(ctx, confirmed), nil
}

// RollbackPurchase abandons a purchase whose payment never completed and
// puts the listing back on sale.
func (o *Orchestrator) RollbackPurchase(ctx context.Context, purchaseID uuid.UUID, buyer string) (*storage.Purchase, error) {
	if _, err := o.GetPurchase(ctx, purchaseID, buyer); err != nil {
		return nil, err
	}
	return o.rollback(ctx, purchaseID, "buyer")
}

func (o *Orchestrator) rollback(ctx context.Context, purchaseID uuid.UUID, reason string) (*storage.Purchase, error) {
	p, changed, err := o.store.RollbackPurchase(ctx, purchaseID, o.now())
	if err != nil {
		return nil, err
	}
	if changed {
		o.observePurchase(storage.PaymentRolledBack)
		o.logger.Info("purchase rolled back", "purchase_id", purchaseID, "reason", reason)
		o.publishLifecycle(ctx, purchaseRolledBackEventType, p, "", reason)
	}
	return p, nil
}

// RollbackAbandoned rolls back purchases left pending past the abandon
// window. It returns how many were rolled back.
func (o *Orchestrator) RollbackAbandoned(ctx context.Context) (int, error) {
	ids, err := o.store.ListAbandonedPurchases(ctx, o.now().Add(-o.cfg.AbandonAfter), o.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list abandoned purchases: %w", err)
	}
	rolled := 0
	for _, id := range ids {
		if _, err := o.rollback(ctx, id, "abandoned"); err != nil {
			o.logger.Warn("rollback of abandoned purchase failed", "purchase_id", id, "error", err)
			continue
		}
		rolled++
	}
	return rolled, nil
}

// SweepStalledReferrals re-dispatches cascades for purchases whose creator
// payout is done but whose referral legs have sat pending past the sweep
// window. It returns how many were dispatched.
func (o *Orchestrator) SweepStalledReferrals(ctx context.Context) (int, error) {
	if o.dispatcher == nil {
		return 0, nil
	}
	ids, err := o.store.ListStalledReferrals(ctx, o.now().Add(-o.cfg.SweepAfter), o.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stalled referrals: %w", err)
	}
	dispatched := 0
	for _, id := range ids {
		if err := o.dispatch(ctx, id); err != nil {
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		o.logger.Info("stalled referral cascades re-dispatched", "count", dispatched)
	}
	return dispatched, nil
}

// ListFailedPayouts is the operator queue of purchases whose payout or
// referral cascade failed.
func (o *Orchestrator) ListFailedPayouts(ctx context.Context, limit int) ([]storage.Purchase, error) {
	return o.store.ListFailedPayouts(ctx, limit)
}

// settle pays the creator and hands the referral cascade to the dispatcher.
// It never fails the caller; it returns the purchase as it stands afterwards.
func (o *Orchestrator) settle(ctx context.Context, p *storage.Purchase) *storage.Purchase {
	if p.PayoutStatus == storage.PayoutNotApplicable {
		return p
	}
	res, err := o.Distribute(ctx, p.ID)
	if err != nil {
		o.logger.Warn("distribution deferred", "purchase_id", p.ID, "error", err)
		if current, getErr := o.store.GetPurchase(ctx, p.ID); getErr == nil {
			return current
		}
		return p
	}
	current := res.Purchase
	if current.Rail.OffchainReferrals() && current.ReferralStatus == storage.ReferralPending {
		_ = o.dispatch(ctx, current.ID)
	}
	return current
}

func (o *Orchestrator) dispatch(ctx context.Context, purchaseID uuid.UUID) error {
	if o.dispatcher == nil {
		return nil
	}
	if err := o.dispatcher.DispatchCascade(ctx, purchaseID); err != nil {
		o.observeDispatch("error")
		o.logger.Error("referral cascade dispatch failed", "purchase_id", purchaseID, "error", err)
		return err
	}
	o.observeDispatch("ok")
	return nil
}

// call runs an external call under the retry policy and records metrics.
func call[T any](ctx context.Context, o *Orchestrator, op string, fn func(context.Context) (T, error)) (T, error) {
	onRetry := func(attempt int, err error) {
		o.logger.Warn("external call failed, retrying", "op", op, "attempt", attempt, "error", err)
		if o.metrics != nil {
			o.metrics.ObserveRetry(op)
		}
	}
	ctx, span := trace.StartSpan(ctx, "payout."+op)
	v, err := withRetry(ctx, o.cfg.Retry, onRetry, fn)
	trace.EndSpan(span, err)
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.ObserveExternalCall(op, status)
	}
	return v, err
}

func (o *Orchestrator) observePurchase(status string) {
	if o.metrics != nil {
		o.metrics.ObservePurchase(status)
	}
}

func (o *Orchestrator) observePayout(status string) {
	if o.metrics != nil {
		o.metrics.ObservePayout(status)
	}
}

func (o *Orchestrator) observeLeg(status string) {
	if o.metrics != nil {
		o.metrics.ObserveReferralLeg(status)
	}
}

func (o *Orchestrator) observeDispatch(status string) {
	if o.metrics != nil && o.dispatcher != nil {
		o.metrics.ObserveDispatch(o.dispatcher.Kind(), status)
	}
}

func normalizeWallet(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
