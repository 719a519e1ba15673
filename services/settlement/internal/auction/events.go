package auction

import "github.com/AfshinJalili/contentex/libs/kafka"

const auctionResolvedEventType = "auction.resolved"

type AuctionResolvedEvent struct {
	kafka.Envelope
	ListingID    string `json:"listing_id"`
	Outcome      string `json:"outcome"`
	WinningBidID string `json:"winning_bid_id,omitempty"`
	WinnerID     string `json:"winner_id,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	BidCount     int    `json:"bid_count"`
	ResolvedAt   string `json:"resolved_at"`
}
