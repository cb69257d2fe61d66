// Package client is a typed HTTP client for the day-engine API, used by
// classctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/model"
)

// APIError is a non-2xx response. Failed is set for a partial settlement.
type APIError struct {
	Status  int
	Message string
	Failed  []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// Status mirrors the server's /status response.
type Status struct {
	Day      int                  `json:"day"`
	Phase    string               `json:"phase"`
	Settings model.MarketSettings `json:"settings"`
}

// AdvanceResult mirrors the server's /day/advance response.
type AdvanceResult struct {
	Day                   int `json:"day"`
	NextDay               int `json:"nextDay"`
	ParticipantsProcessed int `json:"participantsProcessed"`
	Skipped               int `json:"skipped"`
}

// SettingsUpdate is the body of PUT /settings. A nil Rent keeps the current one.
type SettingsUpdate struct {
	StockReturn      decimal.Decimal  `json:"stockReturn"`
	BondReturn       decimal.Decimal  `json:"bondReturn"`
	CryptoReturn     decimal.Decimal  `json:"cryptoReturn"`
	RealEstateReturn decimal.Decimal  `json:"realEstateReturn"`
	Rent             *decimal.Decimal `json:"rent,omitempty"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 3 * time.Minute, // a day advance may take a while
		},
	}
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, id, name string) (model.ParticipantLedger, error) {
	var out model.ParticipantLedger
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/participants", map[string]string{
		"id":   id,
		"name": name,
	}, &out)
	return out, err
}

func (c *Client) Participants(ctx context.Context) ([]model.ParticipantLedger, error) {
	var out []model.ParticipantLedger
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/participants", nil, &out)
	return out, err
}

func (c *Client) Participant(ctx context.Context, id string) (model.ParticipantLedger, error) {
	var out model.ParticipantLedger
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/participants/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, id string, alloc model.Allocation) (model.ParticipantLedger, error) {
	var out model.ParticipantLedger
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/participants/"+url.PathEscape(id)+"/allocation",
		map[string]any{"allocation": alloc}, &out)
	return out, err
}

func (c *Client) ToggleAbsence(ctx context.Context, id string) (model.ParticipantLedger, error) {
	var out model.ParticipantLedger
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/participants/"+url.PathEscape(id)+"/absence", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, id string) ([]model.TransactionRecord, error) {
	var out []model.TransactionRecord
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/participants/"+url.PathEscape(id)+"/transactions", nil, &out)
	return out, err
}

func (c *Client) Settings(ctx context.Context) (model.MarketSettings, error) {
	var out model.MarketSettings
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/settings", nil, &out)
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, upd SettingsUpdate) (model.MarketSettings, error) {
	var out model.MarketSettings
	err := c.jsonRequest(ctx, http.MethodPut, "/api/v1/settings", upd, &out)
	return out, err
}

func (c *Client) AdvanceDay(ctx context.Context) (AdvanceResult, error) {
	var out AdvanceResult
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/day/advance", nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var payload struct {
			Error  string   `json:"error"`
			Failed []string `json:"failed"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Failed = payload.Failed
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
