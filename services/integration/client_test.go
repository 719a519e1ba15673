package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/AfshinJalili/contentex/services/testutil"
)

// Listing ids created by the seed command.
const (
	seededFixedListing   = "00000000-0000-0000-0000-000000000a01"
	seededAuctionListing = "00000000-0000-0000-0000-000000000a03"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RetryAt string `json:"retry_at,omitempty"`
}

type purchaseResponse struct {
	PurchaseID           string `json:"purchase_id"`
	PlatformFee          string `json:"platform_fee"`
	CreatorPayout        string `json:"creator_payout"`
	DirectReferralAmount string `json:"direct_referral_amount"`
	GrandReferralAmount  string `json:"grand_referral_amount"`
	PaymentStatus        string `json:"payment_status"`
	PayoutStatus         string `json:"payout_status"`
	ReferralStatus       string `json:"referral_status"`
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
}

func getSettlementURL() string {
	if url := os.Getenv("SETTLEMENT_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func buyerToken(t *testing.T, wallet string) string {
	t.Helper()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		t.Skip("JWT_SECRET must match the running service")
	}
	token, err := testutil.GenerateJWT(wallet, []byte(secret), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}

func makeRequest(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}

	req, err := http.NewRequest(method, getSettlementURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func waitForReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(getSettlementURL() + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("settlement service not ready")
}
