package main

import (
	"context"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/AfshinJalili/contentex/services/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	expiredAuctionID = uuid.MustParse("00000000-0000-0000-0000-000000000b01")
	soldListingID    = uuid.MustParse("00000000-0000-0000-0000-000000000b02")
)

// seedTestData adds an auction whose window closes two seconds after seeding,
// with bids, so the resolve job has work on its first tick.
func seedTestData(ctx context.Context, store *storage.Store) error {
	now := time.Now().UTC()
	end := now.Add(2 * time.Second)
	err := ensureListing(ctx, store, storage.Listing{
		ID:               expiredAuctionID,
		CreatorID:        testutil.CreatorWallet,
		Price:            decimal.NewFromInt(5),
		Available:        true,
		Biddable:         true,
		BiddingWindowEnd: &end,
	})
	if err != nil {
		return err
	}

	bids, err := store.ListBids(ctx, expiredAuctionID)
	if err != nil {
		return err
	}
	if len(bids) == 0 {
		for i, bidder := range []string{testutil.RivalWallet, testutil.BuyerWallet} {
			_, err := store.PlaceBid(ctx, storage.Bid{
				ListingID: expiredAuctionID,
				BidderID:  bidder,
				Amount:    decimal.NewFromInt(int64(6 + i)),
			}, now)
			if err != nil {
				return err
			}
		}
	}

	return ensureListing(ctx, store, storage.Listing{
		ID:        soldListingID,
		CreatorID: testutil.CreatorWallet,
		Price:     decimal.NewFromInt(50),
		Available: false,
		Status:    storage.ListingStatusSold,
	})
}
