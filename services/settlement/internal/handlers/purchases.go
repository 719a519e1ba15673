package handlers

import (
	"net/http"
	"strings"

	"github.com/AfshinJalili/contentex/services/settlement/internal/payout"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type submitPurchaseRequest struct {
	ListingID  string `json:"listing_id"`
	Rail       string `json:"rail"`
	Currency   string `json:"currency"`
	AmountPaid string `json:"amount_paid"`
	TxRef      string `json:"tx_ref"`
}

type confirmPurchaseRequest struct {
	TxRef string `json:"tx_ref"`
}

func (r submitPurchaseRequest) toInput(buyer string) (payout.SubmitInput, string) {
	listingID, err := uuid.Parse(strings.TrimSpace(r.ListingID))
	if err != nil {
		return payout.SubmitInput{}, "invalid listing_id"
	}
	rail, err := storage.ParseRail(r.Rail)
	if err != nil {
		return payout.SubmitInput{}, "invalid rail"
	}
	currency, err := storage.ParseCurrency(r.Currency)
	if err != nil {
		return payout.SubmitInput{}, "invalid currency"
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(r.AmountPaid))
	if err != nil {
		return payout.SubmitInput{}, "invalid amount_paid"
	}
	return payout.SubmitInput{
		ListingID:  listingID,
		BuyerID:    buyer,
		Rail:       rail,
		Currency:   currency,
		AmountPaid: amount,
		TxRef:      strings.TrimSpace(r.TxRef),
	}, ""
}

func (h *Handler) SubmitPurchase(c *gin.Context) {
	buyer, ok := requireBuyer(c)
	if !ok {
		return
	}
	var req submitPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	in, problem := req.toInput(buyer)
	if problem != "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", problem)
		return
	}

	p, err := h.Payouts.SubmitPurchase(c.Request.Context(), in)
	if err != nil {
		h.writeServiceError(c, "submit purchase", err)
		return
	}
	c.JSON(http.StatusCreated, toPurchaseResponse(p))
}

func (h *Handler) GetPurchase(c *gin.Context) {
	buyer, ok := requireBuyer(c)
	if !ok {
		return
	}
	purchaseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	p, err := h.Payouts.GetPurchase(c.Request.Context(), purchaseID, buyer)
	if err != nil {
		h.writeServiceError(c, "get purchase", err)
		return
	}
	c.JSON(http.StatusOK, toPurchaseResponse(p))
}

func (h *Handler) ConfirmPurchase(c *gin.Context) {
	buyer, ok := requireBuyer(c)
	if !ok {
		return
	}
	purchaseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req confirmPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	p, err := h.Payouts.ConfirmPurchase(c.Request.Context(), purchaseID, buyer, strings.TrimSpace(req.TxRef))
	if err != nil {
		h.writeServiceError(c, "confirm purchase", err)
		return
	}
	c.JSON(http.StatusOK, toPurchaseResponse(p))
}

func (h *Handler) RollbackPurchase(c *gin.Context) {
	buyer, ok := requireBuyer(c)
	if !ok {
		return
	}
	purchaseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	p, err := h.Payouts.RollbackPurchase(c.Request.Context(), purchaseID, buyer)
	if err != nil {
		h.writeServiceError(c, "rollback purchase", err)
		return
	}
	c.JSON(http.StatusOK, toPurchaseResponse(p))
}
