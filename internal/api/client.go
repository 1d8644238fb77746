package api

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

	"chargewatch/internal/auth"
	"chargewatch/internal/telemetry"
)

// HTTPDoer defines the http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the CMS simulator REST API. It decodes only the fields
// the engine consumes.
type Client struct {
	baseURL string
	client  HTTPDoer
	tokens  *auth.TokenHolder
}

// NewClient builds a REST client. tokens may be nil for unauthenticated
// simulators.
func NewClient(baseURL string, client HTTPDoer, tokens *auth.TokenHolder) *Client {
	if client == nil {
		client = NewDefaultHTTPClient(10 * time.Second)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}
}

// NewDefaultHTTPClient returns *http.Client with timeout.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (c *Client) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}

// StationDetail fetches the station detail.
func (c *Client) StationDetail(ctx context.Context, stationID string) (*StationDetail, error) {
	var out StationDetail
	path := fmt.Sprintf("/api/stations/%s", url.PathEscape(stationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions fetches the station's session rows, newest first.
func (c *Client) Sessions(ctx context.Context, stationID string) ([]SessionRow, error) {
	var out []SessionRow
	path := fmt.Sprintf("/api/stations/%s/sessions", url.PathEscape(stationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MeterValues fetches meter-value rows for one connector, optionally
// filtered to a transaction.
func (c *Client) MeterValues(ctx context.Context, stationID string, connectorID int, transactionID string) ([]MeterValueRow, error) {
	var out []MeterValueRow
	path := fmt.Sprintf("/api/stations/%s/connectors/%d/meter-values", url.PathEscape(stationID), connectorID)
	if transactionID != "" {
		path += "?transactionId=" + url.QueryEscape(transactionID)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MeterHistory implements the reconciler's backfill read: meter rows for a
// closed transaction converted into raw readings.
func (c *Client) MeterHistory(ctx context.Context, stationID string, connectorID int, transactionID string) ([]telemetry.Reading, error) {
	rows, err := c.MeterValues(ctx, stationID, connectorID, transactionID)
	if err != nil {
		return nil, err
	}
	readings := make([]telemetry.Reading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, row.Reading())
	}
	return readings, nil
}

// Login exchanges username/password for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("api: login returned no token")
	}
	return out.AccessToken, nil
}
