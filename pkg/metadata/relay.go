package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/fruitsalade/snapfolder/pkg/models"
)

// Relay is the remote source of truth for metadata records. GetRecord
// returns (nil, nil) when the record does not exist.
type Relay interface {
	GetRecord(ctx context.Context, addr models.Address) (*models.MetadataRecord, error)
	PutRecord(ctx context.Context, rec *models.MetadataRecord) error
	DeleteRecord(ctx context.Context, addr models.Address) error
	ListRecordsForOwner(ctx context.Context, ownerID string) ([]*models.MetadataRecord, error)
}

// MemoryRelay is an in-process Relay.
type MemoryRelay struct {
	mu      sync.Mutex
	records map[models.Address]*models.MetadataRecord
	calls   map[string]int
	fail    error
	hook    func(op string)
}

var _ Relay = (*MemoryRelay)(nil)

// NewMemoryRelay creates an empty relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		records: make(map[models.Address]*models.MetadataRecord),
		calls:   make(map[string]int),
	}
}

// SetFailure makes every call return err until cleared with nil.
func (r *MemoryRelay) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// SetHook installs a function called, without the lock held, at the start
// of every operation.
func (r *MemoryRelay) SetHook(fn func(op string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Calls returns how many times op ("get", "put", "delete", "list") was
// invoked.
func (r *MemoryRelay) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *MemoryRelay) enter(op string) error {
	r.mu.Lock()
	r.calls[op]++
	hook, fail := r.hook, r.fail
	r.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	return fail
}

// GetRecord implements Relay.
func (r *MemoryRelay) GetRecord(ctx context.Context, addr models.Address) (*models.MetadataRecord, error) {
	if err := r.enter("get"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[addr].Clone(), nil
}

// PutRecord implements Relay.
func (r *MemoryRelay) PutRecord(ctx context.Context, rec *models.MetadataRecord) error {
	if err := r.enter("put"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Address] = rec.Clone()
	return nil
}

// DeleteRecord implements Relay.
func (r *MemoryRelay) DeleteRecord(ctx context.Context, addr models.Address) error {
	if err := r.enter("delete"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, addr)
	return nil
}

// ListRecordsForOwner implements Relay.
func (r *MemoryRelay) ListRecordsForOwner(ctx context.Context, ownerID string) ([]*models.MetadataRecord, error) {
	if err := r.enter("list"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.MetadataRecord
	for _, rec := range r.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

// sortRecords orders newest first, then by address.
func sortRecords(recs []*models.MetadataRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Address < recs[j].Address
	})
}
