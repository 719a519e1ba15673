package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

func (h *Handler) ResolveAuctions(c *gin.Context) {
	summary, err := h.Auctions.ResolveExpiredAuctions(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, "resolve auctions", err)
		return
	}
	c.JSON(http.StatusOK, resolveResponse{
		Scanned:         summary.Scanned,
		Resolved:        summary.Resolved,
		NoBids:          summary.NoBids,
		AlreadyResolved: summary.AlreadyResolved,
		Failed:          summary.Failed,
	})
}

func (h *Handler) Distribute(c *gin.Context) {
	purchaseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	res, err := h.Payouts.Distribute(c.Request.Context(), purchaseID)
	if err != nil {
		h.writeServiceError(c, "distribute", err)
		return
	}
	c.JSON(http.StatusOK, toDistributeResponse(res))
}

func (h *Handler) Cascade(c *gin.Context) {
	purchaseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	res, err := h.Payouts.CascadeReferralPayouts(c.Request.Context(), purchaseID)
	if err != nil {
		h.writeServiceError(c, "cascade", err)
		return
	}
	c.JSON(http.StatusOK, toCascadeResponse(res))
}

func (h *Handler) Replay(c *gin.Context) {
	purchaseID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	res, err := h.Payouts.ReplayFailedReferralPayouts(c.Request.Context(), purchaseID)
	if err != nil {
		h.writeServiceError(c, "replay", err)
		return
	}
	resp := replayResponse{Purchase: toPurchaseResponse(res.Purchase)}
	if res.Distribution != nil {
		d := toDistributeResponse(*res.Distribution)
		resp.Distribution = &d
	}
	if res.Cascade != nil {
		cr := toCascadeResponse(*res.Cascade)
		resp.Cascade = &cr
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListFailedPayouts(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = min(n, maxFailedLimit)
	}
	purchases, err := h.Payouts.ListFailedPayouts(c.Request.Context(), limit)
	if err != nil {
		h.writeServiceError(c, "list failed payouts", err)
		return
	}
	items := make([]purchaseResponse, 0, len(purchases))
	for i := range purchases {
		items = append(items, toPurchaseResponse(&purchases[i]))
	}
	c.JSON(http.StatusOK, failedPayoutsResponse{Purchases: items})
}
