package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DevTreasury is an in-process ledger standing in for a rail in local runs.
// Transfers debit its balance and return synthetic hashes; resending a
// transfer it has already executed is a no-op.
type DevTreasury struct {
	rail     string
	logger   *slog.Logger
	mu       sync.Mutex
	balance  decimal.Decimal
	seq      uint64
	executed map[string]bool
}

func NewDevTreasury(rail string, balance decimal.Decimal, logger *slog.Logger) *DevTreasury {
	if logger == nil {
		logger = slog.Default()
	}
	return &DevTreasury{rail: rail, balance: balance, logger: logger, executed: make(map[string]bool)}
}

func (d *DevTreasury) TreasuryBalance(context.Context) (decimal.Decimal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balance, nil
}

func (d *DevTreasury) TransferNative(ctx context.Context, to string, amount decimal.Decimal, persist func(context.Context, Transfer) error) (Transfer, error) {
	if _, err := ParseAddress(to, false); err != nil {
		return Transfer{}, err
	}
	if !amount.IsPositive() {
		return Transfer{}, fmt.Errorf("transfer amount must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.balance.LessThan(amount) {
		return Transfer{}, fmt.Errorf("dev treasury balance %s below %s", d.balance, amount)
	}
	d.seq++
	raw := []byte(fmt.Sprintf("%s|%d|%s|%s", d.rail, d.seq, strings.ToLower(to), amount))
	t := Transfer{TxRef: crypto.Keccak256Hash(raw).Hex(), Raw: raw}
	if persist != nil {
		if err := persist(ctx, t); err != nil {
			return Transfer{}, fmt.Errorf("persist transfer: %w", err)
		}
	}
	d.execute(t.TxRef, amount)
	d.logger.Debug("dev treasury transfer", "rail", d.rail, "to", to, "amount", amount.String(), "tx_hash", t.TxRef)
	return t, nil
}

// Resend executes a persisted transfer unless it already ran.
func (d *DevTreasury) Resend(_ context.Context, t Transfer) error {
	if crypto.Keccak256Hash(t.Raw).Hex() != t.TxRef {
		return fmt.Errorf("stored transfer %s does not match its payload", t.TxRef)
	}
	parts := strings.Split(string(t.Raw), "|")
	if len(parts) != 4 || parts[0] != d.rail {
		return fmt.Errorf("stored transfer %s is not a %s dev transfer", t.TxRef, d.rail)
	}
	amount, err := decimal.NewFromString(parts[3])
	if err != nil {
		return fmt.Errorf("stored transfer %s: %w", t.TxRef, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.executed[t.TxRef] {
		return nil
	}
	if d.balance.LessThan(amount) {
		return fmt.Errorf("dev treasury balance %s below %s", d.balance, amount)
	}
	d.execute(t.TxRef, amount)
	return nil
}

func (d *DevTreasury) execute(txRef string, amount decimal.Decimal) {
	d.balance = d.balance.Sub(amount)
	d.executed[txRef] = true
}

// DevPurchaseContract accepts every purchase. Local runs only.
type DevPurchaseContract struct{}

func (DevPurchaseContract) VerifyPurchase(context.Context, uuid.UUID, string) (bool, error) {
	return true, nil
}

func (DevPurchaseContract) RegisterReferral(_ context.Context, buyer, direct, grand string, tier uint8) (string, error) {
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("register|%s|%s|%s|%d", buyer, direct, grand, tier)))
	return hash.Hex(), nil
}
