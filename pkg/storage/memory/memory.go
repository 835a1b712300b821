// Package memory provides an in-process storage network, used for offline
// mode and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/storage"
	"github.com/gabriel-vasile/mimetype"
)

// FaultFunc is consulted before an operation; a non-nil error is returned
// in place of the result. path is empty for whole-blob operations.
type FaultFunc func(op string, addr models.Address, path string) error

type snapshot struct {
	name     string
	manifest *storage.Manifest
}

// Network is an in-memory storage.Network. Unpinned content is dropped
// immediately.
type Network struct {
	mu       sync.Mutex
	blobs    map[models.Address][]byte
	dirs     map[models.Address]*snapshot
	names    map[models.Address]string
	unpinned []models.Address
	calls    map[string]int
	fault    FaultFunc
}

var _ storage.Network = (*Network)(nil)

// New creates an empty network.
func New() *Network {
	return &Network{
		blobs: make(map[models.Address][]byte),
		dirs:  make(map[models.Address]*snapshot),
		names: make(map[models.Address]string),
		calls: make(map[string]int),
	}
}

// SetFault installs a fault hook; nil clears it.
func (n *Network) SetFault(f FaultFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fault = f
}

// check runs with n.mu held. The hook itself runs unlocked so it may block.
func (n *Network) check(op string, addr models.Address, path string) error {
	n.calls[op]++
	fault := n.fault
	if fault == nil {
		return nil
	}
	n.mu.Unlock()
	defer n.mu.Lock()
	return fault(op, addr, path)
}

// Calls returns how many times op was invoked.
func (n *Network) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// Pinned reports whether addr is currently stored.
func (n *Network) Pinned(addr models.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, blob := n.blobs[addr]
	_, dir := n.dirs[addr]
	return blob || dir
}

// Unpinned returns every address released so far, in order.
func (n *Network) Unpinned() []models.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Address, len(n.unpinned))
	copy(out, n.unpinned)
	return out
}

// Name returns the name an address was uploaded under.
func (n *Network) Name(addr models.Address) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.names[addr]
}

// UploadBlob implements storage.Network.
func (n *Network) UploadBlob(ctx context.Context, data []byte, name string) (models.Address, error) {
	addr, err := storage.BlobAddress(data)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.check("upload", addr, ""); err != nil {
		return "", err
	}
	n.blobs[addr] = append([]byte(nil), data...)
	n.names[addr] = name
	return addr, nil
}

// UploadBatch implements storage.Network.
func (n *Network) UploadBatch(ctx context.Context, name string, files []storage.File) (models.Address, error) {
	manifest, err := storage.BuildManifest(files)
	if err != nil {
		return "", err
	}
	addr, err := storage.DirectoryAddress(manifest)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.check("upload_batch", addr, ""); err != nil {
		return "", err
	}
	for _, f := range files {
		blob, _ := manifest.Lookup(f.Path)
		n.blobs[blob.Address] = append([]byte(nil), f.Data...)
	}
	n.dirs[addr] = &snapshot{name: name, manifest: manifest}
	n.names[addr] = name
	return addr, nil
}

// Fetch implements storage.Network.
func (n *Network) Fetch(ctx context.Context, addr models.Address) (*storage.Object, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.check("fetch", addr, ""); err != nil {
		return nil, err
	}
	data, ok := n.blobs[addr]
	if !ok {
		return nil, &storage.StatusError{Op: "fetch", StatusCode: http.StatusNotFound, Message: string(addr)}
	}
	return object(data), nil
}

// FetchMember implements storage.Network.
func (n *Network) FetchMember(ctx context.Context, addr models.Address, path string) (*storage.Object, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.check("fetch_member", addr, path); err != nil {
		return nil, err
	}
	dir, ok := n.dirs[addr]
	if !ok {
		return nil, &storage.StatusError{Op: "fetch member", StatusCode: http.StatusNotFound, Message: string(addr)}
	}
	entry, ok := dir.manifest.Lookup(path)
	if !ok {
		return nil, &storage.StatusError{Op: "fetch member", StatusCode: http.StatusNotFound, Message: fmt.Sprintf("%s/%s", addr, path)}
	}
	data, ok := n.blobs[entry.Address]
	if !ok {
		return nil, &storage.StatusError{Op: "fetch member", StatusCode: http.StatusNotFound, Message: string(entry.Address)}
	}
	return object(data), nil
}

// Members returns the member paths of a stored directory snapshot.
func (n *Network) Members(addr models.Address) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	dir, ok := n.dirs[addr]
	if !ok {
		return nil
	}
	paths := make([]string, len(dir.manifest.Entries))
	for i, e := range dir.manifest.Entries {
		paths[i] = e.Path
	}
	return paths
}

// Unpin implements storage.Network. Member blobs stay, since other
// snapshots may share them.
func (n *Network) Unpin(ctx context.Context, addr models.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.check("unpin", addr, ""); err != nil {
		return err
	}
	_, blob := n.blobs[addr]
	_, dir := n.dirs[addr]
	if !blob && !dir {
		return &storage.StatusError{Op: "unpin", StatusCode: http.StatusNotFound, Message: string(addr)}
	}
	delete(n.blobs, addr)
	delete(n.dirs, addr)
	n.unpinned = append(n.unpinned, addr)
	return nil
}

func object(data []byte) *storage.Object {
	return &storage.Object{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: mimetype.Detect(data).String(),
		Size:        int64(len(data)),
	}
}
