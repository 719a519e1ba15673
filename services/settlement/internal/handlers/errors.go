package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
	"github.com/AfshinJalili/contentex/services/settlement/internal/calculator"
	"github.com/AfshinJalili/contentex/services/settlement/internal/payout"
	"github.com/AfshinJalili/contentex/services/settlement/internal/reservation"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// First match wins.
var errorMappings = []errorMapping{
	{payout.ErrInvalidInput, http.StatusBadRequest, "INVALID_REQUEST", "invalid request"},
	{auction.ErrInvalidBid, http.StatusBadRequest, "INVALID_REQUEST", "invalid bid"},
	{calculator.ErrUnsupportedCombination, http.StatusBadRequest, "INVALID_REQUEST", "unsupported rail and currency"},
	{calculator.ErrInvalidAmount, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount"},
	{calculator.ErrUnderpaid, http.StatusBadRequest, "UNDERPAID", "amount paid is below the price"},
	{payout.ErrPaymentNotVerified, http.StatusBadRequest, "PAYMENT_NOT_VERIFIED", "payment not verified on-chain"},
	{payout.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "forbidden"},
	{storage.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "not found"},
	{reservation.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED", "too many reservation attempts"},
	{storage.ErrListingUnavailable, http.StatusConflict, "LISTING_UNAVAILABLE", "listing unavailable"},
	{storage.ErrDuplicatePurchase, http.StatusConflict, "LISTING_UNAVAILABLE", "listing already purchased"},
	{storage.ErrReservationNotHeld, http.StatusConflict, "RESERVATION_NOT_HELD", "reservation not held"},
	{storage.ErrInvariantViolation, http.StatusConflict, "INVARIANT_VIOLATION", "operation not allowed in current state"},
	{storage.ErrBidTooLow, http.StatusConflict, "BID_TOO_LOW", "bid must exceed the current highest bid"},
	{storage.ErrAuctionClosed, http.StatusConflict, "AUCTION_CLOSED", "auction not open"},
	{payout.ErrPaymentNotCompleted, http.StatusConflict, "PAYMENT_NOT_COMPLETED", "payment not completed"},
	{payout.ErrPayoutNotCompleted, http.StatusConflict, "PAYOUT_NOT_COMPLETED", "creator payout not completed"},
	{payout.ErrPayoutInProgress, http.StatusConflict, "PAYOUT_IN_PROGRESS", "payout in progress"},
	{payout.ErrInsufficientTreasuryBalance, http.StatusConflict, "INSUFFICIENT_TREASURY", "insufficient treasury balance"},
	{calculator.ErrInvalidReferenceRate, http.StatusBadGateway, "EXTERNAL_CALL_FAILED", "reference rate unavailable"},
	{payout.ErrRailNotConfigured, http.StatusBadGateway, "EXTERNAL_CALL_FAILED", "rail not configured"},
	{payout.ErrExternalCallFailed, http.StatusBadGateway, "EXTERNAL_CALL_FAILED", "external call failed"},
}

// writeServiceError maps err onto the API error shape. Unknown errors are
// logged and reported as INTERNAL_ERROR.
func (h *Handler) writeServiceError(c *gin.Context, op string, err error) {
	var conflict *reservation.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, errorResponse{
			Code:    "RESERVATION_CONFLICT",
			Message: "listing is reserved by another buyer",
			RetryAt: conflict.RetryAt.UTC().Format(time.RFC3339),
		})
		return
	}
	var limited *reservation.RateLimitError
	if errors.As(err, &limited) {
		c.Header("Retry-After", retryAfterSeconds(limited.RetryAfter))
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			c.JSON(m.status, errorResponse{Code: m.code, Message: m.message})
			return
		}
	}
	h.Logger.Error(op+" failed", "error", err, "path", c.FullPath())
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
