// Package pricing calls the external fare and promotion services.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

type Client struct {
	PricingURL   string
	PromotionURL string
	HTTP         *http.Client
}

var (
	_ bookings.FareCalculator  = (*Client)(nil)
	_ bookings.PromotionEngine = (*Client)(nil)
)

func New(pricingURL, promotionURL string, timeout time.Duration) *Client {
	return &Client{
		PricingURL:   strings.TrimRight(pricingURL, "/"),
		PromotionURL: strings.TrimRight(promotionURL, "/"),
		HTTP:         &http.Client{Timeout: timeout},
	}
}

type fareRequest struct {
	TripID string   `json:"trip_id"`
	Seats  []string `json:"seats"`
}

func (c *Client) ComputeFare(ctx context.Context, tripID string, seats []string) (bookings.FareBreakdown, error) {
	var out bookings.FareBreakdown
	if err := c.post(ctx, c.PricingURL+"/v1/fares", fareRequest{TripID: tripID, Seats: seats}, &out); err != nil {
		return bookings.FareBreakdown{}, fmt.Errorf("compute fare for %s: %w", tripID, err)
	}
	if out.FinalPrice <= 0 {
		return bookings.FareBreakdown{}, fmt.Errorf("compute fare for %s: final price %d: %w", tripID, out.FinalPrice, apperr.ErrInvalidState)
	}
	return out, nil
}

type promotionRequest struct {
	Code      string `json:"code"`
	BasePrice int64  `json:"base_price"`
}

func (c *Client) ApplyPromotion(ctx context.Context, code string, basePrice int64) (bookings.Discount, error) {
	var out bookings.Discount
	if err := c.post(ctx, c.PromotionURL+"/v1/promotions/apply", promotionRequest{Code: code, BasePrice: basePrice}, &out); err != nil {
		return bookings.Discount{}, err
	}
	if out.PromotionCode == "" {
		out.PromotionCode = code
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(raw)), apperr.ErrInvalidInput)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(raw)), apperr.ErrInvalidDiscount)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("%s: http %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
