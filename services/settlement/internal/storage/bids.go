package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const bidColumns = `id, listing_id, bidder_id, amount::text, currency, placed_at, is_winning, has_won`

func scanBid(row rowScanner) (*Bid, error) {
	var b Bid
	var amountStr, currency string
	if err := row.Scan(&b.ID, &b.ListingID, &b.BidderID, &amountStr, &currency, &b.PlacedAt, &b.IsWinning, &b.HasWon); err != nil {
		return nil, err
	}
	amount, err := parseDecimal("bid amount", amountStr)
	if err != nil {
		return nil, err
	}
	b.Amount = amount
	b.Currency = Currency(currency)
	return &b, nil
}

func collectBids(rows pgx.Rows) ([]Bid, error) {
	defer rows.Close()
	var bids []Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *bid)
	}
	return bids, rows.Err()
}

// PlaceBid inserts bid only while the auction is open and the amount beats
// the current highest bid, then moves the is_winning flag onto it.
func (s *Store) PlaceBid(ctx context.Context, bid Bid, now time.Time) (*Bid, error) {
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	bid.BidderID = strings.ToLower(strings.TrimSpace(bid.BidderID))
	if bid.BidderID == "" {
		return nil, fmt.Errorf("bidder_id is required")
	}
	if !bid.Amount.IsPositive() {
		return nil, fmt.Errorf("bid amount must be positive")
	}
	if bid.Currency == "" {
		bid.Currency = CurrencyNative
	}

	var placed *Bid
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		listing, err := getListingForUpdate(ctx, tx, bid.ListingID)
		if err != nil {
			return err
		}
		if !listing.AuctionOpen(now) {
			return ErrAuctionClosed
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO bids (id, listing_id, bidder_id, amount, currency, placed_at, is_winning, has_won)
			SELECT $1::uuid, l.id, $3::text, $4::numeric, $5::text, $6::timestamptz, true, false
			FROM listings l
			WHERE l.id = $2
			  AND l.biddable AND l.available AND l.bidding_window_end > $6::timestamptz
			  AND $4::numeric > COALESCE((SELECT MAX(amount) FROM bids WHERE listing_id = $2), 0)
			RETURNING `+bidColumns,
			bid.ID, bid.ListingID, bid.BidderID, bid.Amount.String(), string(bid.Currency), now)
		inserted, err := scanBid(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBidTooLow
			}
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE bids SET is_winning = (id = $2)
			WHERE listing_id = $1 AND (is_winning OR id = $2)
		`, bid.ListingID, inserted.ID); err != nil {
			return err
		}
		placed = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func (s *Store) ListBids(ctx context.Context, listingID uuid.UUID) ([]Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE listing_id = $1
		ORDER BY amount DESC, placed_at ASC, id ASC
	`, listingID)
	if err != nil {
		return nil, err
	}
	return collectBids(rows)
}

func (s *Store) GetWinningBid(ctx context.Context, listingID uuid.UUID) (*Bid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE listing_id = $1 AND has_won`, listingID)
	bid, err := scanBid(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return bid, nil
}

// CloseAuction locks the listing, re-checks that its auction is due, lets
// choose pick a winner from the ranked bids and closes the listing, all in
// one transaction.
func (s *Store) CloseAuction(ctx context.Context, listingID uuid.UUID, now time.Time, choose WinnerFunc) (*AuctionClose, error) {
	var result *AuctionClose
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		listing, err := getListingForUpdate(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if !listing.Biddable || !listing.Available {
			result = &AuctionClose{Status: AuctionAlreadyClosed, Listing: listing}
			return nil
		}
		if !listing.AuctionDue(now) {
			result = &AuctionClose{Status: AuctionNotDue, Listing: listing}
			return nil
		}

		rows, err := tx.Query(ctx, `
			SELECT `+bidColumns+` FROM bids
			WHERE listing_id = $1
			ORDER BY amount DESC, placed_at ASC, id ASC
		`, listingID)
		if err != nil {
			return err
		}
		bids, err := collectBids(rows)
		if err != nil {
			return err
		}

		var winner *Bid
		if choose != nil {
			winner = choose(bids)
		}
		status := ListingStatusExpired
		if winner != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE bids SET is_winning = (id = $2), has_won = (id = $2)
				WHERE listing_id = $1
			`, listingID, winner.ID); err != nil {
				return err
			}
			winner.IsWinning = true
			winner.HasWon = true
			status = ListingStatusListed
		}

		row := tx.QueryRow(ctx, `
			UPDATE listings
			SET available = false, biddable = false, reserved_by = NULL, reserved_at = NULL,
			    status = $3, updated_at = $2
			WHERE id = $1
			RETURNING `+listingColumns,
			listingID, now, status)
		closed, err := scanListing(row)
		if err != nil {
			return err
		}
		result = &AuctionClose{Status: AuctionClosed, Listing: closed, Winner: winner, BidCount: len(bids)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
