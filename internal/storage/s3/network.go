// Package s3 implements a content-addressed storage.Network on S3 or MinIO.
//
// Layout:
//
//	blobs/<cid>                  standalone blobs
//	dirs/<cid>/<path>            directory members
//	dirs/<cid>/.manifest.json    directory manifest
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/storage"
	"github.com/gabriel-vasile/mimetype"
)

const manifestName = ".manifest.json"

// Config describes the bucket to use.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	PathStyle bool
	Logger    *zap.Logger
}

// Network is a storage.Network backed by one bucket.
type Network struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

var _ storage.Network = (*Network)(nil)

// dirManifest is what gets stored next to a directory's members.
type dirManifest struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	storage.Manifest
}

// New creates a network for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Network, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		// Retries are owned by the transfer pipeline.
		o.Retryer = aws.NopRetryer{}
	})

	return &Network{
		client: client,
		bucket: cfg.Bucket,
		logger: logging.Or(cfg.Logger),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (n *Network) EnsureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := n.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(n.bucket)})
	if err == nil {
		return nil
	}
	_, err = n.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(n.bucket)})
	metrics.RecordS3Operation("create_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", n.bucket, err)
	}
	n.logger.Info("created S3 bucket", zap.String("bucket", n.bucket))
	return nil
}

func blobKey(addr models.Address) string { return "blobs/" + addr.String() }

func dirPrefix(addr models.Address) string { return "dirs/" + addr.String() + "/" }

func (n *Network) put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	start := time.Now()
	_, err := n.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(n.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimetype.Detect(data).String()),
		Metadata:      meta,
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return classify("put "+key, err)
	}
	return nil
}

func (n *Network) get(ctx context.Context, key string) (*storage.Object, error) {
	start := time.Now()
	out, err := n.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("get "+key, err)
	}

	obj := &storage.Object{Body: out.Body, Size: -1}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	return obj, nil
}

// UploadBlob implements storage.Network.
func (n *Network) UploadBlob(ctx context.Context, data []byte, name string) (models.Address, error) {
	addr, err := storage.BlobAddress(data)
	if err != nil {
		return "", err
	}
	if err := n.put(ctx, blobKey(addr), data, map[string]string{"name": name}); err != nil {
		return "", err
	}
	n.logger.Debug("S3 put blob", zap.String("address", addr.String()), zap.Int("size", len(data)))
	return addr, nil
}

// UploadBatch implements storage.Network. The manifest is written last, so
// a snapshot without one is incomplete.
func (n *Network) UploadBatch(ctx context.Context, name string, files []storage.File) (models.Address, error) {
	m, err := storage.BuildManifest(files)
	if err != nil {
		return "", err
	}
	addr, err := storage.DirectoryAddress(m)
	if err != nil {
		return "", err
	}

	prefix := dirPrefix(addr)
	for _, f := range files {
		if err := n.put(ctx, prefix+strings.TrimLeft(f.Path, "/"), f.Data, nil); err != nil {
			return "", err
		}
	}

	doc, err := json.Marshal(dirManifest{Name: name, CreatedAt: time.Now().UTC(), Manifest: *m})
	if err != nil {
		return "", err
	}
	if err := n.put(ctx, prefix+manifestName, doc, map[string]string{"name": name}); err != nil {
		return "", err
	}

	n.logger.Debug("S3 put directory",
		zap.String("address", addr.String()),
		zap.String("name", name),
		zap.Int("members", len(m.Entries)),
	)
	return addr, nil
}

// Fetch implements storage.Network.
func (n *Network) Fetch(ctx context.Context, addr models.Address) (*storage.Object, error) {
	return n.get(ctx, blobKey(addr))
}

// FetchMember implements storage.Network.
func (n *Network) FetchMember(ctx context.Context, addr models.Address, path string) (*storage.Object, error) {
	return n.get(ctx, dirPrefix(addr)+strings.TrimLeft(path, "/"))
}

// Unpin implements storage.Network by deleting every object stored under
// addr.
func (n *Network) Unpin(ctx context.Context, addr models.Address) error {
	keys := []string{}
	if _, err := n.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(blobKey(addr)),
	}); err == nil {
		keys = append(keys, blobKey(addr))
	}

	paginator := s3.NewListObjectsV2Paginator(n.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(n.bucket),
		Prefix: aws.String(dirPrefix(addr)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classify("list "+dirPrefix(addr), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	if len(keys) == 0 {
		return &storage.StatusError{Op: "unpin", StatusCode: http.StatusNotFound, Message: addr.String()}
	}

	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		begin := time.Now()
		_, err := n.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(n.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		metrics.RecordS3Operation("delete_objects", time.Since(begin), err == nil)
		if err != nil {
			return classify("unpin "+addr.String(), err)
		}
	}

	n.logger.Debug("S3 unpinned", zap.String("address", addr.String()), zap.Int("objects", len(keys)))
	return nil
}

// classify maps SDK errors onto the storage error taxonomy: transport
// failures are retryable, every HTTP answer is a StatusError.
func classify(op string, err error) error {
	var hs interface{ HTTPStatusCode() int }
	if !errors.As(err, &hs) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return storage.Unavailable(op, err)
	}

	code := hs.HTTPStatusCode()
	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorCode()
	}
	return &storage.StatusError{Op: op, StatusCode: code, Message: msg}
}
