// Package transfer moves payloads between the engine and the storage
// network: encrypting uploads, and downloading with retry, streaming and
// decrypt detection.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/pkg/codec"
	"github.com/fruitsalade/snapfolder/pkg/credential"
	"github.com/fruitsalade/snapfolder/pkg/cryptogate"
	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/retry"
	"github.com/fruitsalade/snapfolder/pkg/storage"
)

// EncryptedSuffix is appended to the name of an encrypted standalone upload,
// so listings can infer encryption when metadata is missing.
const EncryptedSuffix = ".encrypted"

const chunkSize = 256 * 1024

// Defaults.
const (
	DefaultStreamThreshold = 5 * 1024 * 1024
	DefaultMaxAttempts     = 3
	DefaultRetryStep       = time.Second
	DefaultAttemptTimeout  = 5 * time.Minute
	DefaultCacheEntries    = 64
)

// Config holds pipeline configuration.
type Config struct {
	StreamThreshold int64         // downloads at or above this size are streamed
	MaxAttempts     int           // attempts per transfer
	RetryStep       time.Duration // wait step*attempt between attempts
	AttemptTimeout  time.Duration // hard ceiling per download attempt
	CacheEntries    int           // decoded payloads kept in memory (0 = default, <0 = off)

	// Secret returns the encryption secret, or "" when none is set.
	Secret func() string

	// Credentials gates uploads; nil disables the gate.
	Credentials credential.Provider

	Logger *zap.Logger
}

// Progress reports bytes received for one download.
type Progress struct {
	Loaded int64
	Total  int64 // -1 when unknown
}

// UploadRequest describes a standalone upload.
type UploadRequest struct {
	Data    []byte
	Name    string
	Encrypt bool
}

// DownloadRequest describes a download of a blob, or of one member when Path
// is set.
type DownloadRequest struct {
	Address   models.Address
	Path      string
	Encrypted bool  // hint only, detection decides
	SizeHint  int64 // declared size, 0 = use the network's
	Progress  func(Progress)
}

// Pipeline uploads and downloads payloads.
type Pipeline struct {
	network storage.Network
	gate    *cryptogate.Gate
	cfg     Config
	logger  *zap.Logger
	cache   *lru.Cache[string, []byte]
}

// New creates a pipeline.
func New(network storage.Network, gate *cryptogate.Gate, cfg Config) *Pipeline {
	if cfg.StreamThreshold <= 0 {
		cfg.StreamThreshold = DefaultStreamThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = DefaultRetryStep
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Secret == nil {
		cfg.Secret = func() string { return "" }
	}

	p := &Pipeline{
		network: network,
		gate:    gate,
		cfg:     cfg,
		logger:  logging.Or(cfg.Logger).Named("transfer"),
	}
	if cfg.CacheEntries >= 0 {
		size := cfg.CacheEntries
		if size == 0 {
			size = DefaultCacheEntries
		}
		p.cache, _ = lru.New[string, []byte](size)
	}
	return p
}

func (p *Pipeline) retryConfig(op string, addr models.Address) retry.Config {
	cfg := retry.LinearConfig(p.cfg.MaxAttempts, p.cfg.RetryStep)
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RecordTransferRetry()
		p.logger.Warn("transfer attempt failed, retrying",
			zap.String("op", op),
			zap.String("address", addr.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return cfg
}

// Upload stores one payload and returns its entry. Encrypted payloads are
// uploaded under Name + EncryptedSuffix.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (models.BlobEntry, error) {
	if _, err := credential.Require(p.cfg.Credentials); err != nil {
		return models.BlobEntry{}, err
	}
	if len(req.Data) == 0 {
		return models.BlobEntry{}, fmt.Errorf("upload %q: %w", req.Name, errs.ErrEmptyPayload)
	}

	payload, name := req.Data, req.Name
	if req.Encrypt {
		blob, err := p.gate.EncryptPayload(ctx, req.Data, p.cfg.Secret())
		if err != nil {
			return models.BlobEntry{}, err
		}
		payload = []byte(blob)
		name += EncryptedSuffix
	}

	addr, err := retry.DoWithResult(ctx, p.retryConfig("upload", ""), func() (models.Address, error) {
		return p.network.UploadBlob(ctx, payload, name)
	})
	metrics.RecordUpload("blob", int64(len(payload)), err == nil)
	if err != nil {
		return models.BlobEntry{}, uploadError(ctx, name, err)
	}

	p.logger.Info("uploaded",
		zap.String("address", addr.String()),
		zap.String("name", name),
		zap.Int("size", len(req.Data)),
		zap.Bool("encrypted", req.Encrypt),
	)
	return models.BlobEntry{
		Address:     addr,
		Size:        uint64(len(req.Data)),
		ContentKind: codec.ContentKind(req.Data),
		Encrypted:   req.Encrypt,
	}, nil
}

// BatchFile is one member of a directory upload.
type BatchFile struct {
	storage.File
	Encrypt     bool
	DisplayName string // defaults to the final path segment
}

// UploadBatch stores files as one directory snapshot named name. Each file
// is encrypted independently when encrypt is set; paths are kept exactly.
// The returned members describe the plaintext files.
func (p *Pipeline) UploadBatch(ctx context.Context, name string, files []storage.File, encrypt bool) (models.Address, []models.DirectoryMember, error) {
	batch := make([]BatchFile, len(files))
	for i, f := range files {
		batch[i] = BatchFile{File: f, Encrypt: encrypt}
	}
	return p.UploadFiles(ctx, name, batch)
}

// UploadFiles is UploadBatch with a per-file encryption flag.
func (p *Pipeline) UploadFiles(ctx context.Context, name string, files []BatchFile) (models.Address, []models.DirectoryMember, error) {
	if _, err := credential.Require(p.cfg.Credentials); err != nil {
		return "", nil, err
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("upload batch %q: %w", name, errs.ErrEmptyPayload)
	}

	var secret *string
	out := make([]storage.File, len(files))
	members := make([]models.DirectoryMember, len(files))
	var total int64
	encrypted := 0
	for i, f := range files {
		if len(f.Data) == 0 {
			return "", nil, fmt.Errorf("upload batch %q: %s: %w", name, f.Path, errs.ErrEmptyPayload)
		}
		data := f.Data
		if f.Encrypt {
			if secret == nil {
				s := p.cfg.Secret()
				secret = &s
			}
			blob, err := p.gate.EncryptPayload(ctx, f.Data, *secret)
			if err != nil {
				return "", nil, fmt.Errorf("%s: %w", f.Path, err)
			}
			data = []byte(blob)
			encrypted++
		}
		display := f.DisplayName
		if display == "" {
			display = path.Base(f.Path)
		}
		out[i] = storage.File{Path: f.Path, Data: data}
		members[i] = models.DirectoryMember{
			RelativePath: f.Path,
			DisplayName:  display,
			Size:         uint64(len(f.Data)),
			ContentKind:  codec.ContentKind(f.Data),
			Encrypted:    f.Encrypt,
		}
		total += int64(len(data))
	}

	addr, err := retry.DoWithResult(ctx, p.retryConfig("upload batch", ""), func() (models.Address, error) {
		return p.network.UploadBatch(ctx, name, out)
	})
	metrics.RecordUpload("batch", total, err == nil)
	if err != nil {
		return "", nil, uploadError(ctx, name, err)
	}

	p.logger.Info("uploaded directory",
		zap.String("address", addr.String()),
		zap.String("name", name),
		zap.Int("members", len(files)),
		zap.Int("encrypted", encrypted),
	)
	return addr, members, nil
}

// Unpin releases addr on the network and evicts its cached payloads.
// Network-class failures are retried like transfers.
func (p *Pipeline) Unpin(ctx context.Context, addr models.Address) error {
	if _, err := credential.Require(p.cfg.Credentials); err != nil {
		return err
	}
	p.Forget(addr)
	err := retry.Do(ctx, p.retryConfig("unpin", addr), func() error {
		return p.network.Unpin(ctx, addr)
	})
	if err != nil {
		return fmt.Errorf("unpin %s: %w", addr, retry.Unwrap(err))
	}
	return nil
}

func uploadError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("upload %q: %w: %w", name, errs.ErrUploadRejected, retry.Unwrap(err))
}

type fetched struct {
	data        []byte
	contentType string
}

// Download fetches a payload and returns its final bytes, decrypting
// locally when the network returned ciphertext.
func (p *Pipeline) Download(ctx context.Context, req DownloadRequest) ([]byte, error) {
	key := cacheKey(req.Address, req.Path)
	if p.cache != nil {
		if data, ok := p.cache.Get(key); ok {
			metrics.RecordPayloadCache(true)
			return clone(data), nil
		}
		metrics.RecordPayloadCache(false)
	}

	raw, err := retry.DoWithResult(ctx, p.retryConfig("download", req.Address), func() (*fetched, error) {
		return p.fetchOnce(ctx, req)
	})
	if err != nil {
		metrics.RecordDownload(0, false)
		return nil, p.downloadError(ctx, req, err)
	}
	metrics.RecordDownload(int64(len(raw.data)), true)

	data, err := p.decode(ctx, req, raw)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download %s: %w", describe(req), errs.ErrEmptyPayload)
	}

	if p.cache != nil {
		p.cache.Add(key, clone(data))
	}
	return data, nil
}

// DownloadMember fetches one member of a directory snapshot.
func (p *Pipeline) DownloadMember(ctx context.Context, dir models.Address, relPath string, encrypted bool) ([]byte, error) {
	return p.Download(ctx, DownloadRequest{Address: dir, Path: relPath, Encrypted: encrypted})
}

// Forget evicts every cached payload under addr.
func (p *Pipeline) Forget(addr models.Address) {
	if p.cache == nil {
		return
	}
	prefix := addr.String() + "\x00"
	for _, k := range p.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			p.cache.Remove(k)
		}
	}
}

func (p *Pipeline) fetchOnce(ctx context.Context, req DownloadRequest) (*fetched, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	var obj *storage.Object
	var err error
	if req.Path != "" {
		obj, err = p.network.FetchMember(attemptCtx, req.Address, req.Path)
	} else {
		obj, err = p.network.Fetch(attemptCtx, req.Address)
	}
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, err, false)
	}
	defer obj.Body.Close()

	total := req.SizeHint
	if total <= 0 {
		total = obj.Size
	}

	var data []byte
	if total >= p.cfg.StreamThreshold {
		data, err = p.stream(attemptCtx, obj.Body, total, req.Progress)
	} else {
		data, err = io.ReadAll(obj.Body)
		if err == nil && req.Progress != nil {
			req.Progress(Progress{Loaded: int64(len(data)), Total: int64(len(data))})
		}
	}
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, err, true)
	}
	return &fetched{data: data, contentType: obj.ContentType}, nil
}

// stream reads body chunk by chunk, reporting progress after each one.
func (p *Pipeline) stream(ctx context.Context, body io.Reader, total int64, progress func(Progress)) ([]byte, error) {
	buf := make([]byte, 0, max(total, 0))
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if progress != nil {
				progress(Progress{Loaded: int64(len(buf)), Total: total})
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// attemptError classifies a failed attempt. Timeouts are terminal; body
// read failures count as network-class.
func attemptError(ctx, attemptCtx context.Context, err error, reading bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrDownloadTimeout, retry.Unwrap(err))
	}
	if retry.IsRetryable(err) {
		return err
	}
	if reading {
		return storage.Unavailable("read body", err)
	}
	return err
}

func (p *Pipeline) downloadError(ctx context.Context, req DownloadRequest, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errs.ErrDownloadTimeout):
		return fmt.Errorf("download %s: %w", describe(req), err)
	default:
		return fmt.Errorf("download %s: %w: %w", describe(req), errs.ErrDownloadFailed, retry.Unwrap(err))
	}
}

// decode applies decrypt detection:
//  1. a binary content type means the payload is already final;
//  2. text starting with the ciphertext prefix is decrypted locally;
//  3. any other text is final.
func (p *Pipeline) decode(ctx context.Context, req DownloadRequest, raw *fetched) ([]byte, error) {
	if !codec.IsTextual(raw.contentType) {
		return raw.data, nil
	}

	text := string(raw.data)
	if !cryptogate.IsCiphertext(text) {
		if req.Encrypted {
			p.logger.Debug("payload marked encrypted arrived as plaintext",
				zap.String("address", req.Address.String()),
				zap.String("path", req.Path),
			)
		}
		return raw.data, nil
	}

	data, err := p.gate.DecryptPayload(ctx, text, p.cfg.Secret())
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", describe(req), err)
	}
	return data, nil
}

func cacheKey(addr models.Address, relPath string) string {
	return addr.String() + "\x00" + relPath
}

func describe(req DownloadRequest) string {
	if req.Path != "" {
		return req.Address.String() + "/" + req.Path
	}
	return req.Address.String()
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
