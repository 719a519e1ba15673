package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrListingUnavailable = errors.New("listing unavailable")
	ErrReservationNotHeld = errors.New("reservation not held")
	ErrDuplicatePurchase  = errors.New("listing already has a live purchase")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrBidTooLow          = errors.New("bid does not exceed current highest bid")
	ErrAuctionClosed      = errors.New("auction not open")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
