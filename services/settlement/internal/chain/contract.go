package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// PurchaseContract wraps the testnet purchase contract.
type PurchaseContract struct {
	client  *Client
	address common.Address
}

func NewPurchaseContract(client *Client, address string) (*PurchaseContract, error) {
	if client == nil {
		return nil, ErrNotConfigured
	}
	addr, err := ParseAddress(address, false)
	if err != nil {
		return nil, fmt.Errorf("purchase contract: %w", err)
	}
	return &PurchaseContract{client: client, address: addr}, nil
}

// ListingKey is the bytes32 the contract indexes purchases by.
func ListingKey(listingID uuid.UUID) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(listingID.String())))
}

// VerifyPurchase reports whether the contract has recorded buyer's purchase
// of the listing.
func (p *PurchaseContract) VerifyPurchase(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error) {
	buyerAddr, err := ParseAddress(buyer, false)
	if err != nil {
		return false, err
	}
	data, err := purchaseABI.Pack("hasPurchased", ListingKey(listingID), buyerAddr)
	if err != nil {
		return false, err
	}
	out, err := p.client.call(ctx, p.address, data)
	if err != nil {
		return false, fmt.Errorf("hasPurchased: %w", err)
	}
	values, err := purchaseABI.Unpack("hasPurchased", out)
	if err != nil {
		return false, fmt.Errorf("decode hasPurchased: %w", err)
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, fmt.Errorf("decode hasPurchased: unexpected %T", values[0])
	}
	return ok, nil
}

// RegisterReferral records buyer's referrers with the contract so it can
// pay them on-chain. An empty grand referrer is sent as the zero address.
func (p *PurchaseContract) RegisterReferral(ctx context.Context, buyer, direct, grand string, tier uint8) (string, error) {
	buyerAddr, err := ParseAddress(buyer, false)
	if err != nil {
		return "", err
	}
	directAddr, err := ParseAddress(direct, false)
	if err != nil {
		return "", err
	}
	grandAddr, err := ParseAddress(grand, true)
	if err != nil {
		return "", err
	}
	data, err := purchaseABI.Pack("registerReferral", buyerAddr, directAddr, grandAddr, tier)
	if err != nil {
		return "", err
	}
	hash, err := p.client.send(ctx, p.address, data)
	if err != nil {
		return "", fmt.Errorf("registerReferral: %w", err)
	}
	p.client.logger.Info("referral registered on-chain", "buyer_id", strings.ToLower(buyerAddr.Hex()), "tier", tier, "tx_hash", hash.Hex())
	return hash.Hex(), nil
}
