// Package gateway implements storage.Network against a pinning-service API
// and a read-only content gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/storage"
	"go.uber.org/zap"
)

// Config holds gateway client configuration.
type Config struct {
	PinningURL string // e.g. https://api.pinata.cloud
	GatewayURL string // e.g. https://gateway.pinata.cloud
	Token      string // bearer token for the pinning API
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client is a storage.Network over HTTP. It makes one attempt per call;
// retry policy belongs to the caller.
type Client struct {
	pinningURL string
	gatewayURL string
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.RWMutex
	online bool
	token  string
}

var _ storage.Network = (*Client)(nil)

// pinResponse is the pinning API answer to an upload.
type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// New creates a gateway client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Client{
		pinningURL: strings.TrimRight(cfg.PinningURL, "/"),
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logging.Or(cfg.Logger),
		online: true,
		token:  cfg.Token,
	}
}

// SetToken replaces the pinning API bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// IsOnline returns false after a connection-level failure until the next
// successful request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.logger.Info("storage network is back online")
		} else {
			c.logger.Warn("storage network is offline")
		}
	}
	c.online = online
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		c.setOnline(false)
		return nil, storage.Unavailable(op, err)
	}
	c.setOnline(resp.StatusCode < 500)
	if err := storage.CheckStatus(op, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// UploadBlob implements storage.Network.
func (c *Client) UploadBlob(ctx context.Context, data []byte, name string) (models.Address, error) {
	return c.pin(ctx, name, []storage.File{{Path: name, Data: data}}, false)
}

// UploadBatch implements storage.Network. Every member is sent under
// "<name>/<path>" so the service roots the snapshot at one directory.
func (c *Client) UploadBatch(ctx context.Context, name string, files []storage.File) (models.Address, error) {
	root := sanitize(name)
	prefixed := make([]storage.File, len(files))
	for i, f := range files {
		prefixed[i] = storage.File{Path: root + "/" + strings.TrimLeft(f.Path, "/"), Data: f.Data}
	}
	return c.pin(ctx, name, prefixed, true)
}

func (c *Client) pin(ctx context.Context, name string, files []storage.File, directory bool) (models.Address, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, f := range files {
		part, err := w.CreateFormFile("file", f.Path)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return "", err
		}
	}
	meta, _ := json.Marshal(map[string]any{"name": name})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", err
	}
	opts, _ := json.Marshal(map[string]any{"cidVersion": 1, "wrapWithDirectory": false})
	if err := w.WriteField("pinataOptions", string(opts)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.pinningURL+"/pinning/pinFileToIPFS", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.applyAuth(req)

	resp, err := c.do(req, "upload")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var pr pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode pin response: %w", err)
	}
	addr, err := storage.ParseAddress(pr.IpfsHash)
	if err != nil {
		return "", fmt.Errorf("%w: pin response: %v", errs.ErrUploadRejected, err)
	}

	c.logger.Debug("pinned",
		zap.String("address", addr.String()),
		zap.String("name", name),
		zap.Bool("directory", directory),
		zap.Int64("size", pr.PinSize),
	)
	return addr, nil
}

// Fetch implements storage.Network.
func (c *Client) Fetch(ctx context.Context, addr models.Address) (*storage.Object, error) {
	return c.get(ctx, c.gatewayURL+"/ipfs/"+url.PathEscape(addr.String()), "fetch")
}

// FetchMember implements storage.Network.
func (c *Client) FetchMember(ctx context.Context, addr models.Address, path string) (*storage.Object, error) {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := c.gatewayURL + "/ipfs/" + url.PathEscape(addr.String()) + "/" + strings.Join(segments, "/")
	return c.get(ctx, u, "fetch member")
}

func (c *Client) get(ctx context.Context, u, op string) (*storage.Object, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	return &storage.Object{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// Unpin implements storage.Network.
func (c *Client) Unpin(ctx context.Context, addr models.Address) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.pinningURL+"/pinning/unpin/"+url.PathEscape(addr.String()), nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.do(req, "unpin")
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func sanitize(name string) string {
	name = strings.Trim(strings.ReplaceAll(name, "/", "_"), " .")
	if name == "" {
		return "folder"
	}
	return name
}
