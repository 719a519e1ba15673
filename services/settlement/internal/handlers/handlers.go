// Package handlers exposes the settlement engine over HTTP.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AfshinJalili/contentex/libs/apikey"
	"github.com/AfshinJalili/contentex/libs/auth"
	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
	"github.com/AfshinJalili/contentex/services/settlement/internal/payout"
	"github.com/AfshinJalili/contentex/services/settlement/internal/reservation"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Reservations interface {
	TryReserve(ctx context.Context, listingID uuid.UUID, buyer string) (reservation.Result, error)
	Release(ctx context.Context, listingID uuid.UUID, buyer string) (bool, error)
}

type Auctions interface {
	PlaceBid(ctx context.Context, in auction.PlaceBidInput) (*storage.Bid, error)
	ListBids(ctx context.Context, listingID uuid.UUID) ([]storage.Bid, error)
	ResolveExpiredAuctions(ctx context.Context) (auction.ResolutionSummary, error)
}

type Payouts interface {
	SubmitPurchase(ctx context.Context, in payout.SubmitInput) (*storage.Purchase, error)
	GetPurchase(ctx context.Context, purchaseID uuid.UUID, buyer string) (*storage.Purchase, error)
	ConfirmPurchase(ctx context.Context, purchaseID uuid.UUID, buyer, txRef string) (*storage.Purchase, error)
	RollbackPurchase(ctx context.Context, purchaseID uuid.UUID, buyer string) (*storage.Purchase, error)
	Distribute(ctx context.Context, purchaseID uuid.UUID) (payout.DistributionResult, error)
	CascadeReferralPayouts(ctx context.Context, purchaseID uuid.UUID) (payout.CascadeResult, error)
	ReplayFailedReferralPayouts(ctx context.Context, purchaseID uuid.UUID) (payout.ReplayResult, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]storage.Purchase, error)
}

type Handler struct {
	Reservations Reservations
	Auctions     Auctions
	Payouts      Payouts
	Logger       *slog.Logger
}

func New(reservations Reservations, auctions Auctions, payouts Payouts, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Reservations: reservations,
		Auctions:     auctions,
		Payouts:      payouts,
		Logger:       logger,
	}
}

// Register mounts the buyer routes behind JWT auth and the operator routes
// behind the X-API-Key check.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, operators ...apikey.Record) {
	buyer := r.Group("/v1", auth.Middleware(jwtSecret))
	buyer.POST("/listings/:id/reservation", h.Reserve)
	buyer.DELETE("/listings/:id/reservation", h.Release)
	buyer.POST("/listings/:id/bids", h.PlaceBid)
	buyer.GET("/listings/:id/bids", h.ListBids)
	buyer.POST("/purchases", h.SubmitPurchase)
	buyer.GET("/purchases/:id", h.GetPurchase)
	buyer.POST("/purchases/:id/confirm", h.ConfirmPurchase)
	buyer.POST("/purchases/:id/rollback", h.RollbackPurchase)

	admin := r.Group("/v1/admin", apikey.Middleware(operators...))
	admin.POST("/auctions/resolve", h.ResolveAuctions)
	admin.POST("/purchases/:id/distribute", h.Distribute)
	admin.POST("/purchases/:id/cascade", h.Cascade)
	admin.POST("/purchases/:id/replay", h.Replay)
	admin.GET("/payouts/failed", h.ListFailedPayouts)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RetryAt string `json:"retry_at,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

func buyerFromContext(c *gin.Context) (string, bool) {
	id, ok := auth.UserID(c)
	if !ok {
		return "", false
	}
	return strings.ToLower(id), true
}

// requireBuyer writes 401 and returns false when the request is unauthenticated.
func requireBuyer(c *gin.Context) (string, bool) {
	buyer, ok := buyerFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
	}
	return buyer, ok
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
