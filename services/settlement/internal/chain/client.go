// Package chain talks to the EVM rails: treasury balance and transfers on
// the settlement token, and the testnet purchase contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrNotConfigured  = errors.New("chain client not configured")
	// ErrTransferDropped means a signed transfer can never execute: it was
	// reverted or its nonce went to another transaction.
	ErrTransferDropped = errors.New("transfer dropped")
)

// Backend is the part of ethclient.Client the rails use.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Rail          string
	RPCURL        string
	ChainID       int64
	TokenAddress  string
	TokenDecimals int32
	TreasuryKey   string
	GasLimit      uint64
}

// Client signs and sends token transfers from the treasury on one rail.
type Client struct {
	rail     string
	backend  Backend
	token    common.Address
	decimals int32
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	logger   *slog.Logger

	// serializes nonce assignment for the treasury account
	sendMu sync.Mutex
}

// Dial connects to cfg.RPCURL and builds a Client on top of it.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("%w: %s rpc_url is empty", ErrNotConfigured, cfg.Rail)
	}
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Rail, err)
	}
	return NewClient(ctx, ec, cfg, logger)
}

func NewClient(ctx context.Context, backend Backend, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token, err := ParseAddress(cfg.TokenAddress, false)
	if err != nil {
		return nil, fmt.Errorf("token_address: %w", err)
	}
	key, err := parsePrivateKey(cfg.TreasuryKey)
	if err != nil {
		return nil, err
	}
	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = 18
	}
	c := &Client{
		rail:     cfg.Rail,
		backend:  backend,
		token:    token,
		decimals: decimals,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: cfg.GasLimit,
		logger:   logger,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s chain id: %w", cfg.Rail, err)
		}
		c.chainID = id
	}
	return c, nil
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("treasury key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury key: %w", err)
	}
	return key, nil
}

// TreasuryAddress is the lowercase hex address of the treasury account.
func (c *Client) TreasuryAddress() string {
	return strings.ToLower(c.from.Hex())
}

// TreasuryBalance reads the token balance of the treasury.
func (c *Client) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := erc20ABI.Pack("balanceOf", c.from)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode balanceOf: %w", err)
	}
	units, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("decode balanceOf: unexpected %T", values[0])
	}
	return FromBaseUnits(units, c.decimals), nil
}

// Transfer is a signed treasury transaction. Raw is the encoded
// transaction; resending it can never move funds a second time.
type Transfer struct {
	TxRef string
	Raw   []byte
}

// TransferNative signs a transfer of amount of the rail's settlement token
// to the given address, hands it to persist and broadcasts it only once
// persist succeeded. A non-empty Transfer with an error means the
// transaction was persisted but its broadcast is in doubt; retry it with
// Resend, never with a fresh TransferNative.
func (c *Client) TransferNative(ctx context.Context, to string, amount decimal.Decimal, persist func(context.Context, Transfer) error) (Transfer, error) {
	recipient, err := ParseAddress(to, false)
	if err != nil {
		return Transfer{}, err
	}
	units, err := ToBaseUnits(amount, c.decimals)
	if err != nil {
		return Transfer{}, err
	}
	if units.Sign() == 0 {
		return Transfer{}, fmt.Errorf("transfer amount %s rounds to zero", amount)
	}
	data, err := erc20ABI.Pack("transfer", recipient, units)
	if err != nil {
		return Transfer{}, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	signed, err := c.sign(ctx, c.token, data)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Transfer{}, fmt.Errorf("encode transfer: %w", err)
	}
	t := Transfer{TxRef: signed.Hash().Hex(), Raw: raw}
	if persist != nil {
		if err := persist(ctx, t); err != nil {
			return Transfer{}, fmt.Errorf("persist transfer: %w", err)
		}
	}
	if err := c.broadcast(ctx, signed); err != nil {
		return t, fmt.Errorf("transfer: %w", err)
	}
	c.logger.Info("treasury transfer sent", "rail", c.rail, "to", strings.ToLower(recipient.Hex()), "amount", amount.String(), "tx_hash", t.TxRef)
	return t, nil
}

// Resend broadcasts a persisted transfer again. It returns nil once the
// network has the transaction and ErrTransferDropped when the transaction
// can no longer execute, which is the only case where signing a new
// transfer for the same payout is safe.
func (c *Client) Resend(ctx context.Context, t Transfer) error {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(t.Raw); err != nil {
		return fmt.Errorf("decode stored transfer %s: %w", t.TxRef, err)
	}
	if !strings.EqualFold(tx.Hash().Hex(), t.TxRef) {
		return fmt.Errorf("stored transfer %s encodes %s", t.TxRef, tx.Hash().Hex())
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// nonce before receipt: if the nonce was consumed before the receipt
	// lookup, a missing receipt means another transaction took it
	mined, err := c.backend.NonceAt(ctx, c.from, nil)
	if err != nil {
		return fmt.Errorf("account nonce: %w", err)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return nil
		}
		return fmt.Errorf("%w: %s reverted", ErrTransferDropped, t.TxRef)
	case !errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("transfer receipt: %w", err)
	}
	if mined > tx.Nonce() {
		return fmt.Errorf("%w: nonce %d of %s used by another transaction", ErrTransferDropped, tx.Nonce(), t.TxRef)
	}
	if err := c.broadcast(ctx, &tx); err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	c.logger.Info("treasury transfer resent", "rail", c.rail, "tx_hash", t.TxRef)
	return nil
}

// call runs a read-only contract call.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
}

// send signs an EIP-1559 transaction calling to with data and submits it.
func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	signed, err := c.sign(ctx, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.broadcast(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// sign builds and signs a transaction at the pending nonce. Callers hold sendMu.
func (c *Client) sign(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

// broadcast submits a signed transaction. A node that already holds it
// counts as success.
func (c *Client) broadcast(ctx context.Context, tx *types.Transaction) error {
	err := c.backend.SendTransaction(ctx, tx)
	if err == nil || alreadyKnown(err) {
		return nil
	}
	return fmt.Errorf("send: %w", err)
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
