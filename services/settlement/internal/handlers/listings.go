package handlers

import (
	"net/http"
	"strings"

	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type placeBidRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (h *Handler) Reserve(c *gin.Context) {
	buyer, ok := requireBuyer(c)
	if !ok {
		return
	}
	listingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	res, err := h.Reservations.TryReserve(c.Request.Context(), listingID, buyer)
	if err != nil {
		h.writeServiceError(c, "reserve", err)
		return
	}
	c.JSON(http.StatusOK, reservationResponse{
		ListingID: listingID.String(),
		Outcome:   string(res.Outcome),
		ExpiresAt: formatTime(res.ExpiresAt),
	})
}

func (h *Handler) Release(c *gin.Context) {
	buyer, ok := requireBuyer(c)
	if !ok {
		return
	}
	listingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	released, err := h.Reservations.Release(c.Request.Context(), listingID, buyer)
	if err != nil {
		h.writeServiceError(c, "release", err)
		return
	}
	if !released {
		writeError(c, http.StatusConflict, "RESERVATION_NOT_HELD", "reservation not held")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PlaceBid(c *gin.Context) {
	bidder, ok := requireBuyer(c)
	if !ok {
		return
	}
	listingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}
	var currency storage.Currency
	if strings.TrimSpace(req.Currency) != "" {
		currency, err = storage.ParseCurrency(req.Currency)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid currency")
			return
		}
	}

	bid, err := h.Auctions.PlaceBid(c.Request.Context(), auction.PlaceBidInput{
		ListingID: listingID,
		BidderID:  bidder,
		Amount:    amount,
		Currency:  currency,
	})
	if err != nil {
		h.writeServiceError(c, "place bid", err)
		return
	}
	c.JSON(http.StatusCreated, toBidItem(*bid))
}

func (h *Handler) ListBids(c *gin.Context) {
	if _, ok := requireBuyer(c); !ok {
		return
	}
	listingID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	bids, err := h.Auctions.ListBids(c.Request.Context(), listingID)
	if err != nil {
		h.writeServiceError(c, "list bids", err)
		return
	}
	items := make([]bidItem, 0, len(bids))
	for _, b := range bids {
		items = append(items, toBidItem(b))
	}
	c.JSON(http.StatusOK, listBidsResponse{Bids: items})
}
