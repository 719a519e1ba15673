package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"
	ErrorCodeUnauthorized         = "UNAUTHORIZED"
	ErrorCodeForbidden            = "FORBIDDEN"
	ErrorCodeNotFound             = "NOT_FOUND"
	ErrorCodeReservationConflict  = "RESERVATION_CONFLICT"
	ErrorCodeListingUnavailable   = "LISTING_UNAVAILABLE"
	ErrorCodeReservationNotHeld   = "RESERVATION_NOT_HELD"
	ErrorCodeUnderpaid            = "UNDERPAID"
	ErrorCodeInvariantViolation   = "INVARIANT_VIOLATION"
	ErrorCodePaymentNotVerified   = "PAYMENT_NOT_VERIFIED"
	ErrorCodeInsufficientTreasury = "INSUFFICIENT_TREASURY"
	ErrorCodeExternalCallFailed   = "EXTERNAL_CALL_FAILED"
	ErrorCodePaymentNotCompleted  = "PAYMENT_NOT_COMPLETED"
	ErrorCodePayoutNotCompleted   = "PAYOUT_NOT_COMPLETED"
	ErrorCodePayoutInProgress     = "PAYOUT_IN_PROGRESS"
	ErrorCodeBidTooLow            = "BID_TOO_LOW"
	ErrorCodeAuctionClosed        = "AUCTION_CLOSED"
	ErrorCodeRateLimited          = "RATE_LIMITED"
	ErrorCodeInternalError        = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d (body %s)", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, errResp.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (body %s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

// StatusForErrorCode maps an API error code to its HTTP status.
func StatusForErrorCode(code string) int {
	return getHTTPStatusForErrorCode(code)
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeUnderpaid, ErrorCodePaymentNotVerified:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeReservationConflict, ErrorCodeListingUnavailable, ErrorCodeReservationNotHeld,
		ErrorCodeInvariantViolation, ErrorCodeInsufficientTreasury, ErrorCodePaymentNotCompleted,
		ErrorCodePayoutNotCompleted, ErrorCodePayoutInProgress, ErrorCodeBidTooLow, ErrorCodeAuctionClosed:
		return http.StatusConflict
	case ErrorCodeExternalCallFailed:
		return http.StatusBadGateway
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
