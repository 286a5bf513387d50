/**
 * @description
 * This package provides a client for the external payout processor. The reward-service
 * only submits payouts here; the processor reports the outcome asynchronously through the
 * internal confirmation endpoint or a `payout.status.*` event.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payout processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout processor client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PayoutRequest is the payload submitted for one withdrawal.
type PayoutRequest struct {
	Reference       string `json:"reference"` // withdrawal id, also sent as the idempotency key
	AccountID       string `json:"account_id"`
	PaymentMethodID string `json:"payment_method_id"`
	MethodType      string `json:"method_type"`
	Currency        string `json:"currency"`
	Amount          int64  `json:"amount"` // net amount in cents
	Fee             int64  `json:"fee"`    // in cents
}

// PayoutResponse is the processor's acknowledgement of a submitted payout.
type PayoutResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the payout processor.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payout api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("payout api error (%d)", e.StatusCode)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *ErrorResponse) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// InitiatePayout submits a payout. Resubmitting the same reference is safe; the processor
// deduplicates on the Idempotency-Key header.
func (c *Client) InitiatePayout(ctx context.Context, payout PayoutRequest) (*PayoutResponse, error) {
	body, err := json.Marshal(payout)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", payout.Reference)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=payout_client op=initiate reference=%s status=%d msg=\"non-2xx response (unparsable error body)\"", payout.Reference, resp.StatusCode)
			return nil, errResp
		}
		log.Printf("level=warn component=payout_client op=initiate reference=%s status=%d code=%q message=%q", payout.Reference, resp.StatusCode, errResp.Code, errResp.Message)
		return nil, errResp
	}

	var successResp PayoutResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	return &successResp, nil
}
