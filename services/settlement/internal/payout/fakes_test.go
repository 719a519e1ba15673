package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/calculator"
	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	creator = "0xcreator"
	buyer   = "0xbuyer"
	direct  = "0xdirect"
	grand   = "0xgrand"
)

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

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

type transfer struct {
	To     string
	Amount decimal.Decimal
	TxRef  string
}

type fakeTreasury struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	balanceErr error
	// failures left per payee before anything is signed; -1 fails forever
	failures map[string]int
	// transfers per payee that execute but report a timeout to the caller
	lost map[string]int
	// stored transfers Resend reports as never executing
	dropped   map[string]bool
	seq       int
	signed    map[string]transfer
	executed  map[string]bool
	transfers []transfer
	resends   int
}

func newTreasury(balance string) *fakeTreasury {
	return &fakeTreasury{
		balance:  dec(balance),
		failures: map[string]int{},
		lost:     map[string]int{},
		dropped:  map[string]bool{},
		signed:   map[string]transfer{},
		executed: map[string]bool{},
	}
}

func (f *fakeTreasury) TreasuryBalance(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeTreasury) TransferNative(ctx context.Context, to string, amount decimal.Decimal, persist func(context.Context, chain.Transfer) error) (chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failures[to]; n != 0 {
		if n > 0 {
			f.failures[to] = n - 1
		}
		return chain.Transfer{}, errors.New("rpc unavailable")
	}
	f.seq++
	t := chain.Transfer{TxRef: fmt.Sprintf("0xtx%d", f.seq), Raw: []byte(fmt.Sprintf("%s|%s", to, amount))}
	if persist != nil {
		if err := persist(ctx, t); err != nil {
			return chain.Transfer{}, err
		}
	}
	f.signed[t.TxRef] = transfer{To: to, Amount: amount, TxRef: t.TxRef}
	f.execute(t.TxRef)
	if n := f.lost[to]; n != 0 {
		if n > 0 {
			f.lost[to] = n - 1
		}
		return t, context.DeadlineExceeded
	}
	return t, nil
}

func (f *fakeTreasury) Resend(_ context.Context, t chain.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resends++
	if _, ok := f.signed[t.TxRef]; !ok {
		return fmt.Errorf("unknown transfer %s", t.TxRef)
	}
	if f.dropped[t.TxRef] {
		return fmt.Errorf("%w: %s", chain.ErrTransferDropped, t.TxRef)
	}
	f.execute(t.TxRef)
	return nil
}

func (f *fakeTreasury) execute(txRef string) {
	if f.executed[txRef] {
		return
	}
	tr := f.signed[txRef]
	f.executed[txRef] = true
	f.balance = f.balance.Sub(tr.Amount)
	f.transfers = append(f.transfers, tr)
}

func (f *fakeTreasury) loseNext(payee string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[payee] = n
}

func (f *fakeTreasury) drop(txRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped[txRef] = true
	if tr, ok := f.signed[txRef]; ok && f.executed[txRef] {
		// a dropped transfer never moved funds
		delete(f.executed, txRef)
		f.balance = f.balance.Add(tr.Amount)
		kept := f.transfers[:0]
		for _, x := range f.transfers {
			if x.TxRef != txRef {
				kept = append(kept, x)
			}
		}
		f.transfers = kept
	}
}

func (f *fakeTreasury) setFailures(payee string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[payee] = n
}

func (f *fakeTreasury) sentTo(payee string) []transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transfer
	for _, t := range f.transfers {
		if t.To == payee {
			out = append(out, t)
		}
	}
	return out
}

type fakeContract struct {
	mu         sync.Mutex
	purchased  bool
	registered []string
}

func (c *fakeContract) VerifyPurchase(context.Context, uuid.UUID, string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purchased, nil
}

func (c *fakeContract) RegisterReferral(_ context.Context, b, d, g string, tier uint8) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, strings.Join([]string{b, d, g, fmt.Sprint(tier)}, "|"))
	return "0xreg", nil
}

type fixedRate struct{ rate decimal.Decimal }

func (f fixedRate) ReferenceRate(context.Context) (decimal.Decimal, error) { return f.rate, nil }

// syncDispatcher runs the cascade inline so tests can assert on its result.
type syncDispatcher struct {
	o     *Orchestrator
	mu    sync.Mutex
	calls int
}

func (d *syncDispatcher) Kind() string { return "sync" }

func (d *syncDispatcher) DispatchCascade(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	_, err := d.o.CascadeReferralPayouts(ctx, id)
	return err
}

type env struct {
	o        *Orchestrator
	store    *memory.Store
	treasury *fakeTreasury
	contract *fakeContract
	clock    *clock
	dispatch *syncDispatcher
}

// flakyStore fails the next completeErrs CompletePayout and paidErrs
// RecordReferralPaid calls, which run after the transfer went out.
type flakyStore struct {
	*memory.Store
	mu           sync.Mutex
	completeErrs int
	paidErrs     int
}

func (s *flakyStore) CompletePayout(ctx context.Context, id uuid.UUID, txRef string, intents []storage.ReferralIntent, now time.Time) error {
	s.mu.Lock()
	if s.completeErrs > 0 {
		s.completeErrs--
		s.mu.Unlock()
		return errors.New("db connection reset")
	}
	s.mu.Unlock()
	return s.Store.CompletePayout(ctx, id, txRef, intents, now)
}

func (s *flakyStore) RecordReferralPaid(ctx context.Context, intent storage.ReferralIntent, purchase storage.Purchase, txRef string, now time.Time) error {
	s.mu.Lock()
	if s.paidErrs > 0 {
		s.paidErrs--
		s.mu.Unlock()
		return errors.New("db connection reset")
	}
	s.mu.Unlock()
	return s.Store.RecordReferralPaid(ctx, intent, purchase, txRef, now)
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	return newEnvWithStore(t, nil, opts...)
}

// newEnvWithStore builds an env whose orchestrator sees wrap(store).
func newEnvWithStore(t *testing.T, wrap func(*memory.Store) Store, opts ...Option) *env {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	if err := store.UpsertReferralTier(ctx, storage.ReferralTier{Tier: "gold", DirectRateBps: 500, GrandRateBps: 250, OnchainTier: 2}); err != nil {
		t.Fatalf("UpsertReferralTier: %v", err)
	}
	if err := store.UpsertReferralEdge(ctx, storage.ReferralEdge{BuyerID: buyer, DirectReferrerID: direct, GrandReferrerID: grand, Tier: "gold"}); err != nil {
		t.Fatalf("UpsertReferralEdge: %v", err)
	}
	calc, err := calculator.New(calculator.DefaultConfig())
	if err != nil {
		t.Fatalf("calculator.New: %v", err)
	}
	e := &env{
		store:    store,
		treasury: newTreasury("1000"),
		contract: &fakeContract{purchased: true},
		clock:    &clock{now: start},
	}
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{Attempts: 3, Timeout: time.Second, Backoff: time.Millisecond}
	base := []Option{
		WithClock(e.clock.Now),
		WithTreasury(storage.RailMainnet, e.treasury),
		WithTreasury(storage.RailTestnet, e.treasury),
		WithPurchaseContract(e.contract),
		WithOracle(fixedRate{rate: dec("0.1")}),
	}
	var orchStore Store = store
	if wrap != nil {
		orchStore = wrap(store)
	}
	e.o = New(orchStore, calc, cfg, nil, append(base, opts...)...)
	e.dispatch = &syncDispatcher{o: e.o}
	e.o.SetDispatcher(e.dispatch)
	return e
}

func (e *env) listing(t *testing.T, price string) *storage.Listing {
	t.Helper()
	l, err := e.store.CreateListing(context.Background(), storage.Listing{CreatorID: creator, Price: dec(price), Available: true})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	return l
}

func (e *env) reserve(t *testing.T, listingID uuid.UUID, who string) {
	t.Helper()
	if _, ok, err := e.store.TryReserve(context.Background(), listingID, who, e.clock.Now(), 5*time.Minute); err != nil || !ok {
		t.Fatalf("TryReserve: ok=%v err=%v", ok, err)
	}
}

// paidPurchase records a completed native purchase of 100 whose creator
// payout and cascade have not run yet.
func (e *env) paidPurchase(t *testing.T) *storage.Purchase {
	t.Helper()
	l := e.listing(t, "100")
	e.reserve(t, l.ID, buyer)
	p, err := e.store.CreatePurchase(context.Background(), storage.CreatePurchaseParams{
		Purchase: storage.Purchase{
			ListingID:            l.ID,
			BuyerID:              buyer,
			Rail:                 storage.RailMainnet,
			Currency:             storage.CurrencyNative,
			AmountPaid:           dec("100"),
			NormalizedAmount:     dec("100"),
			PlatformFee:          dec("30"),
			CreatorPayout:        dec("70"),
			DirectReferrerID:     direct,
			GrandReferrerID:      grand,
			DirectReferralAmount: dec("5"),
			GrandReferralAmount:  dec("2.5"),
			DirectRateBps:        500,
			GrandRateBps:         250,
			PaymentStatus:        storage.PaymentCompleted,
			PaymentTxRef:         "0xpay",
			PayoutStatus:         storage.PayoutPending,
			ReferralStatus:       storage.ReferralPending,
		},
		Path:  storage.PathReservation,
		Lease: 5 * time.Minute,
		Now:   e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	return p
}
