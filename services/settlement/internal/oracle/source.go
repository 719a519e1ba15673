package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source fetches the current reference rate: stable units per native unit.
type Source interface {
	Name() string
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

type FixedSource struct {
	Rate decimal.Decimal
}

func (FixedSource) Name() string { return "fixed" }

func (f FixedSource) FetchRate(context.Context) (decimal.Decimal, error) {
	if !f.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("fixed rate must be positive")
	}
	return f.Rate, nil
}

// HTTPSource reads the rate from a JSON price endpoint. Field names the
// top-level key holding the rate, as a string or a number.
type HTTPSource struct {
	URL    string
	Field  string
	Client *http.Client
}

func NewHTTPSource(url, field string, timeout time.Duration) *HTTPSource {
	if field == "" {
		field = "rate"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{URL: url, Field: field, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read rate: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch rate: status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}
	raw, ok := payload[s.Field]
	if !ok {
		return decimal.Zero, fmt.Errorf("decode rate: field %q missing", s.Field)
	}
	var text string
	switch v := raw.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	default:
		return decimal.Zero, fmt.Errorf("decode rate: field %q has type %T", s.Field, raw)
	}
	rate, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate must be positive, got %s", rate)
	}
	return rate, nil
}
