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

const listingColumns = `id, creator_id, price::text, available, biddable, bidding_window_end,
	reserved_by, reserved_at, COALESCE(rail_registration_id, ''), status, created_at, updated_at`

func scanListing(row rowScanner) (*Listing, error) {
	var l Listing
	var priceStr string
	if err := row.Scan(&l.ID, &l.CreatorID, &priceStr, &l.Available, &l.Biddable, &l.BiddingWindowEnd,
		&l.ReservedBy, &l.ReservedAt, &l.RailRegistrationID, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	price, err := parseDecimal("listing price", priceStr)
	if err != nil {
		return nil, err
	}
	l.Price = price
	return &l, nil
}

func (s *Store) CreateListing(ctx context.Context, listing Listing) (*Listing, error) {
	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	listing.CreatorID = strings.ToLower(strings.TrimSpace(listing.CreatorID))
	if listing.CreatorID == "" {
		return nil, fmt.Errorf("creator_id is required")
	}
	if listing.Price.IsNegative() {
		return nil, fmt.Errorf("price must be non-negative")
	}
	if listing.Biddable && listing.BiddingWindowEnd == nil {
		return nil, fmt.Errorf("biddable listing requires bidding_window_end")
	}
	if listing.Status == "" {
		listing.Status = ListingStatusListed
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO listings (id, creator_id, price, available, biddable, bidding_window_end, rail_registration_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+listingColumns,
		listing.ID, listing.CreatorID, listing.Price.String(), listing.Available, listing.Biddable,
		listing.BiddingWindowEnd, nullString(listing.RailRegistrationID), listing.Status)
	return scanListing(row)
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return listing, nil
}

func (s *Store) TryReserve(ctx context.Context, listingID uuid.UUID, buyer string, now time.Time, lease time.Duration) (*Listing, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE listings
		SET reserved_by = $2, reserved_at = $3, updated_at = $3
		WHERE id = $1
		  AND available
		  AND NOT biddable
		  AND status = 'listed'
		  AND (reserved_by IS NULL OR reserved_by = $2 OR reserved_at < $4)
		RETURNING `+listingColumns,
		listingID, buyer, now, now.Add(-lease))

	listing, err := scanListing(row)
	if err == nil {
		return listing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	current, err := s.GetListing(ctx, listingID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings
		SET reserved_by = NULL, reserved_at = NULL, updated_at = now()
		WHERE id = $1 AND reserved_by = $2
	`, listingID, buyer)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM listings
		WHERE biddable AND available AND bidding_window_end <= $1
		ORDER BY bidding_window_end ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func getListingForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Listing, error) {
	row := tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return listing, nil
}

func closeListingSold(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE listings
		SET available = false, biddable = false, reserved_by = NULL, reserved_at = NULL,
		    status = 'sold', updated_at = $2
		WHERE id = $1
	`, id, now)
	return err
}
