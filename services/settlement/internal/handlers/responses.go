package handlers

import (
	"time"

	"github.com/AfshinJalili/contentex/services/settlement/internal/payout"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
)

type reservationResponse struct {
	ListingID string `json:"listing_id"`
	Outcome   string `json:"outcome"`
	ExpiresAt string `json:"expires_at"`
}

type bidItem struct {
	BidID     string `json:"bid_id"`
	ListingID string `json:"listing_id"`
	BidderID  string `json:"bidder_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	PlacedAt  string `json:"placed_at"`
	IsWinning bool   `json:"is_winning"`
	HasWon    bool   `json:"has_won"`
}

type listBidsResponse struct {
	Bids []bidItem `json:"bids"`
}

type purchaseResponse struct {
	PurchaseID           string  `json:"purchase_id"`
	ListingID            string  `json:"listing_id"`
	BuyerID              string  `json:"buyer_id"`
	CreatorID            string  `json:"creator_id"`
	Rail                 string  `json:"rail"`
	Currency             string  `json:"currency"`
	AmountPaid           string  `json:"amount_paid"`
	NormalizedAmount     string  `json:"normalized_amount"`
	ReferenceRate        *string `json:"reference_rate,omitempty"`
	PlatformFee          string  `json:"platform_fee"`
	CreatorPayout        string  `json:"creator_payout"`
	DirectReferrerID     string  `json:"direct_referrer_id,omitempty"`
	DirectReferralAmount string  `json:"direct_referral_amount"`
	GrandReferrerID      string  `json:"grand_referrer_id,omitempty"`
	GrandReferralAmount  string  `json:"grand_referral_amount"`
	PaymentStatus        string  `json:"payment_status"`
	PayoutStatus         string  `json:"payout_status"`
	ReferralStatus       string  `json:"referral_status"`
	PaymentTxRef         string  `json:"payment_tx_ref,omitempty"`
	PayoutTxRef          string  `json:"payout_tx_ref,omitempty"`
	LastError            string  `json:"last_error,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

type legItem struct {
	Role    string `json:"role"`
	PayeeID string `json:"payee_id"`
	Amount  string `json:"amount"`
	Status  string `json:"status"`
	TxRef   string `json:"tx_ref,omitempty"`
	Error   string `json:"error,omitempty"`
}

type cascadeResponse struct {
	Purchase        purchaseResponse `json:"purchase"`
	Legs            []legItem        `json:"legs"`
	AlreadyComplete bool             `json:"already_complete"`
}

type distributeResponse struct {
	Purchase       purchaseResponse `json:"purchase"`
	TxRef          string           `json:"tx_ref,omitempty"`
	AlreadySettled bool             `json:"already_settled"`
}

type replayResponse struct {
	Purchase     purchaseResponse    `json:"purchase"`
	Distribution *distributeResponse `json:"distribution,omitempty"`
	Cascade      *cascadeResponse    `json:"cascade,omitempty"`
}

type resolveResponse struct {
	Scanned         int `json:"scanned"`
	Resolved        int `json:"resolved"`
	NoBids          int `json:"no_bids"`
	AlreadyResolved int `json:"already_resolved"`
	Failed          int `json:"failed"`
}

type failedPayoutsResponse struct {
	Purchases []purchaseResponse `json:"purchases"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toBidItem(b storage.Bid) bidItem {
	return bidItem{
		BidID:     b.ID.String(),
		ListingID: b.ListingID.String(),
		BidderID:  b.BidderID,
		Amount:    b.Amount.String(),
		Currency:  string(b.Currency),
		PlacedAt:  formatTime(b.PlacedAt),
		IsWinning: b.IsWinning,
		HasWon:    b.HasWon,
	}
}

func toPurchaseResponse(p *storage.Purchase) purchaseResponse {
	if p == nil {
		return purchaseResponse{}
	}
	resp := purchaseResponse{
		PurchaseID:           p.ID.String(),
		ListingID:            p.ListingID.String(),
		BuyerID:              p.BuyerID,
		CreatorID:            p.CreatorID,
		Rail:                 string(p.Rail),
		Currency:             string(p.Currency),
		AmountPaid:           p.AmountPaid.String(),
		NormalizedAmount:     p.NormalizedAmount.String(),
		PlatformFee:          p.PlatformFee.String(),
		CreatorPayout:        p.CreatorPayout.String(),
		DirectReferrerID:     p.DirectReferrerID,
		DirectReferralAmount: p.DirectReferralAmount.String(),
		GrandReferrerID:      p.GrandReferrerID,
		GrandReferralAmount:  p.GrandReferralAmount.String(),
		PaymentStatus:        p.PaymentStatus,
		PayoutStatus:         p.PayoutStatus,
		ReferralStatus:       p.ReferralStatus,
		PaymentTxRef:         p.PaymentTxRef,
		PayoutTxRef:          p.PayoutTxRef,
		LastError:            p.LastError,
		CreatedAt:            formatTime(p.CreatedAt),
		UpdatedAt:            formatTime(p.UpdatedAt),
	}
	if p.ReferenceRate != nil {
		rate := p.ReferenceRate.String()
		resp.ReferenceRate = &rate
	}
	return resp
}

func toDistributeResponse(d payout.DistributionResult) distributeResponse {
	return distributeResponse{
		Purchase:       toPurchaseResponse(d.Purchase),
		TxRef:          d.TxRef,
		AlreadySettled: d.AlreadySettled,
	}
}

func toCascadeResponse(r payout.CascadeResult) cascadeResponse {
	legs := make([]legItem, 0, len(r.Legs))
	for _, leg := range r.Legs {
		item := legItem{
			Role:    leg.Role,
			PayeeID: leg.PayeeID,
			Amount:  leg.Amount.String(),
			Status:  leg.Status,
			TxRef:   leg.TxRef,
		}
		if leg.Err != nil {
			item.Error = leg.Err.Error()
		}
		legs = append(legs, item)
	}
	return cascadeResponse{
		Purchase:        toPurchaseResponse(r.Purchase),
		Legs:            legs,
		AlreadyComplete: r.AlreadyComplete,
	}
}
