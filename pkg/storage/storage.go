// Package storage defines the content-addressed storage network the engine
// writes blobs and directory snapshots to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/retry"
)

// File is one (relative path, bytes) pair of a batch upload.
type File struct {
	Path string
	Data []byte
}

// Object is a fetched blob or directory member. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64 // -1 when unknown
}

// Network is the storage network client. Every write yields a new Address;
// nothing is ever updated in place.
type Network interface {
	// UploadBlob stores data under a content-derived address.
	UploadBlob(ctx context.Context, data []byte, name string) (models.Address, error)

	// UploadBatch stores files as one directory snapshot and returns its
	// address. Paths are kept exactly as given.
	UploadBatch(ctx context.Context, name string, files []File) (models.Address, error)

	// Fetch opens the blob at addr.
	Fetch(ctx context.Context, addr models.Address) (*Object, error)

	// FetchMember opens one member of the directory snapshot at addr.
	FetchMember(ctx context.Context, addr models.Address, path string) (*Object, error)

	// Unpin releases addr so the network may garbage-collect it.
	Unpin(ctx context.Context, addr models.Address) error
}

// StatusError is a non-2xx answer from the network. It is never retried.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the network.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Unavailable marks err as a retryable network-class failure.
func Unavailable(op string, err error) error {
	return retry.Retryable(fmt.Errorf("%s: %w: %v", op, errs.ErrNetworkUnavailable, err))
}

// CheckStatus turns any non-2xx response into a StatusError. A server
// that answered is never retried; only transport failures are.
func CheckStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: string(body)}
}
