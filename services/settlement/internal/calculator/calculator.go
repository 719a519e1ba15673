// Package calculator turns a payment into the fee split owed to the
// platform, the creator and the referral chain. Compute does no I/O.
package calculator

import (
	"errors"
	"fmt"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedCombination = errors.New("unsupported rail and currency combination")
	ErrInvalidReferenceRate   = errors.New("reference rate must be positive")
	ErrUnderpaid              = errors.New("amount paid is below the expected price")
	ErrInvalidAmount          = errors.New("amount paid must be non-negative")
)

// moneyScale matches the NUMERIC(38,18) columns the results are stored in.
const moneyScale = 18

type Config struct {
	PlatformFeeBps    int
	CreatorShareBps   int
	StableSurcharge   decimal.Decimal
	MinReferralPayout decimal.Decimal
	TestnetDirectBps  int
	TestnetGrandBps   int
	SlippageBps       int
}

func DefaultConfig() Config {
	return Config{
		PlatformFeeBps:    3000,
		CreatorShareBps:   7000,
		StableSurcharge:   decimal.NewFromInt(1),
		MinReferralPayout: decimal.RequireFromString("0.01"),
		TestnetDirectBps:  500,
		TestnetGrandBps:   250,
		SlippageBps:       100,
	}
}

func (c Config) Validate() error {
	for name, bps := range map[string]int{
		"platform_fee_bps":   c.PlatformFeeBps,
		"creator_share_bps":  c.CreatorShareBps,
		"testnet_direct_bps": c.TestnetDirectBps,
		"testnet_grand_bps":  c.TestnetGrandBps,
		"slippage_bps":       c.SlippageBps,
	} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("%s must be between 0 and 10000", name)
		}
	}
	if c.PlatformFeeBps+c.CreatorShareBps > 10000 {
		return fmt.Errorf("platform_fee_bps + creator_share_bps must not exceed 10000")
	}
	if c.StableSurcharge.IsNegative() {
		return fmt.Errorf("stable_surcharge must be non-negative")
	}
	if c.MinReferralPayout.IsNegative() {
		return fmt.Errorf("min_referral_payout must be non-negative")
	}
	return nil
}

type Calculator struct {
	cfg Config
}

func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg}, nil
}

func (c *Calculator) Config() Config {
	return c.cfg
}

type Input struct {
	Listing storage.Listing
	// ExpectedPrice is the listing price, or the winning bid for an auction winner.
	ExpectedPrice decimal.Decimal
	Rail          storage.Rail
	Currency      storage.Currency
	AmountPaid    decimal.Decimal
	// ReferenceRate is stable units per native unit. Required for stable payments.
	ReferenceRate *decimal.Decimal
	Referral      *storage.ReferralEdge
}

type Settlement struct {
	NormalizedAmount     decimal.Decimal
	ReferenceRate        *decimal.Decimal
	PlatformFee          decimal.Decimal
	CreatorPayout        decimal.Decimal
	DirectReferrerID     string
	GrandReferrerID      string
	DirectReferralAmount decimal.Decimal
	GrandReferralAmount  decimal.Decimal
	DirectRateBps        int
	GrandRateBps         int
	PayoutStatus         string
	ReferralStatus       string
}

// Free reports whether nothing is owed to anyone.
func (s Settlement) Free() bool {
	return s.PayoutStatus == storage.PayoutNotApplicable
}

// Compute derives the settlement for in. It is deterministic: equal inputs
// give equal outputs.
func (c *Calculator) Compute(in Input) (Settlement, error) {
	rule, err := c.ruleFor(in.Rail, in.Currency)
	if err != nil {
		return Settlement{}, err
	}
	if in.AmountPaid.IsNegative() {
		return Settlement{}, ErrInvalidAmount
	}
	if in.AmountPaid.IsZero() {
		if in.ExpectedPrice.IsPositive() {
			return Settlement{}, fmt.Errorf("%w: paid 0, expected %s", ErrUnderpaid, in.ExpectedPrice)
		}
		return freeSettlement(), nil
	}
	return rule(in)
}

type rule func(Input) (Settlement, error)

func (c *Calculator) ruleFor(rail storage.Rail, currency storage.Currency) (rule, error) {
	switch rail {
	case storage.RailMainnet:
		switch currency {
		case storage.CurrencyNative, storage.CurrencyStable:
			return c.mainnet, nil
		}
	case storage.RailTestnet:
		switch currency {
		case storage.CurrencyTestnetToken:
			return c.testnet, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedCombination, rail, currency)
}

func freeSettlement() Settlement {
	return Settlement{
		NormalizedAmount:     decimal.Zero,
		PlatformFee:          decimal.Zero,
		CreatorPayout:        decimal.Zero,
		DirectReferralAmount: decimal.Zero,
		GrandReferralAmount:  decimal.Zero,
		PayoutStatus:         storage.PayoutNotApplicable,
		ReferralStatus:       storage.ReferralCompleted,
	}
}

func (c *Calculator) mainnet(in Input) (Settlement, error) {
	paid := in.AmountPaid
	out := Settlement{PayoutStatus: storage.PayoutPending}

	switch in.Currency {
	case storage.CurrencyStable:
		if in.ReferenceRate == nil || !in.ReferenceRate.IsPositive() {
			return Settlement{}, ErrInvalidReferenceRate
		}
		rate := *in.ReferenceRate
		out.ReferenceRate = &rate
		out.NormalizedAmount = paid.DivRound(rate, moneyScale)
	default:
		out.NormalizedAmount = paid
	}
	if err := c.checkPaid(out.NormalizedAmount, in.ExpectedPrice); err != nil {
		return Settlement{}, err
	}

	out.PlatformFee = mulBps(paid, c.cfg.PlatformFeeBps)
	if in.Currency == storage.CurrencyStable {
		out.PlatformFee = out.PlatformFee.Add(c.cfg.StableSurcharge)
	}
	out.CreatorPayout = mulBps(paid, c.cfg.CreatorShareBps)

	out.DirectReferralAmount = decimal.Zero
	out.GrandReferralAmount = decimal.Zero
	if ref := in.Referral; ref != nil {
		out.DirectReferrerID = ref.DirectReferrerID
		out.DirectRateBps = ref.DirectRateBps
		out.DirectReferralAmount = c.referralLeg(paid, ref.DirectRateBps)
		if ref.GrandReferrerID != "" {
			out.GrandReferrerID = ref.GrandReferrerID
			out.GrandRateBps = ref.GrandRateBps
			out.GrandReferralAmount = c.referralLeg(paid, ref.GrandRateBps)
		}
	}

	out.ReferralStatus = storage.ReferralCompleted
	if out.DirectReferralAmount.IsPositive() || out.GrandReferralAmount.IsPositive() {
		out.ReferralStatus = storage.ReferralPending
	}
	return out, nil
}

// testnet referral amounts are recorded for audit only; the purchase
// contract pays them on-chain.
func (c *Calculator) testnet(in Input) (Settlement, error) {
	paid := in.AmountPaid
	out := Settlement{
		NormalizedAmount:     paid,
		PlatformFee:          mulBps(paid, c.cfg.PlatformFeeBps),
		CreatorPayout:        mulBps(paid, c.cfg.CreatorShareBps),
		DirectReferralAmount: decimal.Zero,
		GrandReferralAmount:  decimal.Zero,
		PayoutStatus:         storage.PayoutPending,
		ReferralStatus:       storage.ReferralCompleted,
	}
	if err := c.checkPaid(out.NormalizedAmount, in.ExpectedPrice); err != nil {
		return Settlement{}, err
	}

	if ref := in.Referral; ref != nil && ref.DirectReferrerID != "" {
		out.DirectReferrerID = ref.DirectReferrerID
		out.DirectRateBps = c.cfg.TestnetDirectBps
		out.DirectReferralAmount = c.referralLeg(paid, c.cfg.TestnetDirectBps)
		if ref.GrandReferrerID != "" {
			out.GrandReferrerID = ref.GrandReferrerID
			out.GrandRateBps = c.cfg.TestnetGrandBps
			out.GrandReferralAmount = c.referralLeg(paid, c.cfg.TestnetGrandBps)
		}
	}
	return out, nil
}

func (c *Calculator) checkPaid(normalized, expected decimal.Decimal) error {
	floor := mulBps(expected, 10000-c.cfg.SlippageBps)
	if normalized.LessThan(floor) {
		return fmt.Errorf("%w: normalized %s, expected at least %s", ErrUnderpaid, normalized, floor)
	}
	return nil
}

func (c *Calculator) referralLeg(paid decimal.Decimal, bps int) decimal.Decimal {
	amount := mulBps(paid, bps)
	if amount.LessThan(c.cfg.MinReferralPayout) {
		return decimal.Zero
	}
	return amount
}

func mulBps(amount decimal.Decimal, bps int) decimal.Decimal {
	// shifting by 4 places divides by 10000 without losing digits
	return amount.Mul(decimal.NewFromInt(int64(bps))).Shift(-4).Truncate(moneyScale)
}
