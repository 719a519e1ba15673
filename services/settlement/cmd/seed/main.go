package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/contentex/libs/apikey"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage/migrations"
	"github.com/AfshinJalili/contentex/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	fixedListingID   = uuid.MustParse("00000000-0000-0000-0000-000000000a01")
	stableListingID  = uuid.MustParse("00000000-0000-0000-0000-000000000a02")
	auctionListingID = uuid.MustParse("00000000-0000-0000-0000-000000000a03")
)

func main() {
	env := getEnv("MKT_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: MKT_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "marketplace")
	user := getEnv("POSTGRES_USER", "marketplace")
	password := getEnv("POSTGRES_PASSWORD", "marketplace")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	store := storage.New(pool, nil)

	fmt.Println("Seeding database...")

	if err := seedReferrals(ctx, store); err != nil {
		log.Fatalf("seed referrals: %v", err)
	}
	fmt.Println("✓ Referral tiers and edges seeded")

	if err := seedListings(ctx, store); err != nil {
		log.Fatalf("seed listings: %v", err)
	}
	fmt.Println("✓ Listings seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	key, _, hash, err := apikey.Generate(env)
	if err != nil {
		log.Fatalf("generate operator key: %v", err)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nWallets:")
	fmt.Println("  creator:", testutil.CreatorWallet)
	fmt.Println("  buyer:  ", testutil.BuyerWallet, "(gold tier, direct + grand referrer)")
	fmt.Println("  rival:  ", testutil.RivalWallet, "(no referrer)")
	fmt.Println("\nListings:")
	fmt.Println("  fixed mainnet:", fixedListingID)
	fmt.Println("  stable:       ", stableListingID)
	fmt.Println("  auction:      ", auctionListingID)

	if env == "dev" {
		fmt.Println("\nOperator key (DEV ONLY):")
		fmt.Printf("  key:  %s\n", key)
		fmt.Printf("  OPERATOR_KEY_HASH=%s\n", hash)
		if secret := os.Getenv("JWT_SECRET"); secret != "" {
			token, err := testutil.GenerateJWT(testutil.BuyerWallet, []byte(secret), 24*time.Hour, time.Now())
			if err == nil {
				fmt.Printf("\nBuyer JWT (24h):\n  %s\n", token)
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedReferrals(ctx context.Context, store *storage.Store) error {
	tiers := []storage.ReferralTier{
		{Tier: "bronze", DirectRateBps: 200, GrandRateBps: 100, OnchainTier: 1},
		{Tier: "gold", DirectRateBps: 500, GrandRateBps: 250, OnchainTier: 2},
	}
	for _, tier := range tiers {
		if err := store.UpsertReferralTier(ctx, tier); err != nil {
			return fmt.Errorf("tier %s: %w", tier.Tier, err)
		}
	}
	return store.UpsertReferralEdge(ctx, storage.ReferralEdge{
		BuyerID:          testutil.BuyerWallet,
		DirectReferrerID: testutil.DirectWallet,
		GrandReferrerID:  testutil.GrandWallet,
		Tier:             "gold",
	})
}

func seedListings(ctx context.Context, store *storage.Store) error {
	end := time.Now().UTC().Add(time.Hour)
	listings := []storage.Listing{
		{ID: fixedListingID, CreatorID: testutil.CreatorWallet, Price: decimal.NewFromInt(100), Available: true},
		{ID: stableListingID, CreatorID: testutil.CreatorWallet, Price: decimal.NewFromInt(25), Available: true},
		{ID: auctionListingID, CreatorID: testutil.CreatorWallet, Price: decimal.NewFromInt(10), Available: true, Biddable: true, BiddingWindowEnd: &end},
	}
	for _, l := range listings {
		if err := ensureListing(ctx, store, l); err != nil {
			return err
		}
	}
	return nil
}

// ensureListing creates l unless a listing with its id already exists.
func ensureListing(ctx context.Context, store *storage.Store, l storage.Listing) error {
	_, err := store.GetListing(ctx, l.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := store.CreateListing(ctx, l); err != nil {
		return fmt.Errorf("listing %s: %w", l.ID, err)
	}
	return nil
}
