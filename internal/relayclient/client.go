// Package relayclient implements metadata.Relay over the relay's HTTP API.
package relayclient

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

	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/pkg/credential"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/models"
)

// Client talks to a metadata relay.
type Client struct {
	baseURL     string
	credentials credential.Provider
	httpClient  *http.Client
	logger      *zap.Logger
}

var _ metadata.Relay = (*Client)(nil)

// Config holds relay client configuration.
type Config struct {
	BaseURL     string
	Credentials credential.Provider
	Timeout     time.Duration
	Logger      *zap.Logger
}

// New creates a relay client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		credentials: cfg.Credentials,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logging.Or(cfg.Logger).Named("relay"),
	}
}

// Error is a non-2xx relay response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay: %d", e.StatusCode)
}

// GetRecord fetches one record. A missing record is (nil, nil).
func (c *Client) GetRecord(ctx context.Context, addr models.Address) (*models.MetadataRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/records/"+url.PathEscape(addr.String()), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var rec models.MetadataRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// PutRecord upserts a record.
func (c *Client) PutRecord(ctx context.Context, rec *models.MetadataRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, "/api/v1/records/"+url.PathEscape(rec.Address.String()), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// DeleteRecord removes a record. Missing records are not an error.
func (c *Client) DeleteRecord(ctx context.Context, addr models.Address) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/v1/records/"+url.PathEscape(addr.String()), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkResponse(resp)
}

// ListRecordsForOwner returns every record of ownerID, newest first.
func (c *Client) ListRecordsForOwner(ctx context.Context, ownerID string) ([]*models.MetadataRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/owners/"+url.PathEscape(ownerID)+"/records", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var recs []*models.MetadataRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return recs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credentials != nil {
		cred, err := credential.Require(c.credentials)
		if err != nil {
			return nil, err
		}
		if cred.Bearer != "" {
			req.Header.Set("Authorization", "Bearer "+cred.Bearer)
		} else if cred.Address != "" {
			req.Header.Set("X-Address", cred.Address)
			req.Header.Set("X-Signature", cred.Signature)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("relay request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &Error{StatusCode: resp.StatusCode, Message: body.Error}
}
