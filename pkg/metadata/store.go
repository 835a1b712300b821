// Package metadata keeps per-address records describing files and directory
// snapshots. A local cache serves reads; the relay is reconciled in the
// background once the cache goes stale.
package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/pkg/models"
)

// DefaultStaleAfter is how long the local cache is served without a
// background refresh.
const DefaultStaleAfter = 5 * time.Minute

// Config holds store configuration.
type Config struct {
	Cache      *LocalCache // required
	Relay      Relay       // nil = local only
	OwnerID    string      // owner whose records a refresh pulls
	StaleAfter time.Duration

	// RefreshTimeout bounds one background refresh.
	RefreshTimeout time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

// Store merges the local cache with the relay.
type Store struct {
	cache      *LocalCache
	relay      Relay
	ownerID    string
	staleAfter time.Duration
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger

	refreshing atomic.Bool
	wg         sync.WaitGroup

	// removed holds addresses deleted locally that a refresh must not
	// bring back until the relay stops listing them.
	mu      sync.Mutex
	removed map[models.Address]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStore creates a store.
func NewStore(cfg Config) *Store {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cache:      cfg.Cache,
		relay:      cfg.Relay,
		ownerID:    cfg.OwnerID,
		staleAfter: cfg.StaleAfter,
		timeout:    cfg.RefreshTimeout,
		now:        cfg.Now,
		logger:     logging.Or(cfg.Logger).Named("metadata"),
		removed:    make(map[models.Address]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OwnerID returns the owner the store refreshes for.
func (s *Store) OwnerID() string { return s.ownerID }

// Stale reports whether the local cache is older than the staleness window.
func (s *Store) Stale() bool {
	return s.now().Sub(s.cache.UpdatedAt()) > s.staleAfter
}

// Get returns the best available record for addr, or nil. It never fails
// and never waits for a stale-cache refresh: the refresh runs in the
// background and benefits the next read. Only a record missing from the
// local cache is looked up on the relay synchronously.
func (s *Store) Get(ctx context.Context, addr models.Address) *models.MetadataRecord {
	local := s.cache.Get(addr)
	if local != nil {
		if s.Stale() {
			metrics.RecordMetadataLookup("stale")
			s.refreshAsync()
		} else {
			metrics.RecordMetadataLookup("fresh")
		}
		return local
	}

	if s.relay == nil {
		metrics.RecordMetadataLookup("absent")
		return nil
	}

	metrics.RecordMetadataLookup("miss")
	remote, err := s.relay.GetRecord(ctx, addr)
	if err != nil {
		s.logger.Warn("relay lookup failed", zap.String("address", addr.String()), zap.Error(err))
		return nil
	}
	if remote == nil || s.wasRemoved(addr) {
		return nil
	}
	normalize(remote)
	if err := s.cache.Put(remote); err != nil {
		s.logger.Warn("cache write failed", zap.String("address", addr.String()), zap.Error(err))
	}
	return remote
}

// List returns the owner's records from the local cache, newest first,
// kicking off a background refresh when the cache is stale. An empty cache
// that has never been reconciled is refreshed synchronously.
func (s *Store) List(ctx context.Context) []*models.MetadataRecord {
	if s.relay != nil && s.cache.UpdatedAt().IsZero() && s.cache.Len() == 0 {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("initial refresh failed", zap.Error(err))
		}
	} else if s.Stale() {
		s.refreshAsync()
	}

	all := s.cache.All()
	out := all[:0]
	for _, rec := range all {
		if s.ownerID == "" || rec.OwnerID == "" || rec.OwnerID == s.ownerID {
			out = append(out, rec)
		}
	}
	return out
}

// Put writes rec to the local cache and then the relay. Only the local
// write can fail the call.
func (s *Store) Put(ctx context.Context, rec *models.MetadataRecord) error {
	rec = rec.Clone()
	normalize(rec)
	if rec.OwnerID == "" {
		rec.OwnerID = s.ownerID
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	if err := s.cache.Put(rec); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.removed, rec.Address)
	s.mu.Unlock()
	metrics.SetMetadataCacheSize(s.cache.Len())

	if s.relay != nil {
		if err := s.relay.PutRecord(ctx, rec); err != nil {
			s.logger.Warn("relay write failed, keeping local record",
				zap.String("address", rec.Address.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Remove deletes the record from both tiers. Failures are logged only: an
// orphaned record is unreachable once nothing points at its address.
func (s *Store) Remove(ctx context.Context, addr models.Address) {
	s.mu.Lock()
	s.removed[addr] = struct{}{}
	s.mu.Unlock()

	if err := s.cache.Delete(addr); err != nil {
		s.logger.Warn("cache delete failed", zap.String("address", addr.String()), zap.Error(err))
	}
	metrics.SetMetadataCacheSize(s.cache.Len())

	if s.relay != nil {
		if err := s.relay.DeleteRecord(ctx, addr); err != nil {
			s.logger.Warn("relay delete failed", zap.String("address", addr.String()), zap.Error(err))
		}
	}
}

func (s *Store) wasRemoved(addr models.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.removed[addr]
	return ok
}

// Refresh reconciles the local cache with the relay now.
func (s *Store) Refresh(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RecordMetadataRefresh(time.Since(start)) }()

	var remote []*models.MetadataRecord
	if s.ownerID != "" {
		recs, err := s.relay.ListRecordsForOwner(ctx, s.ownerID)
		if err != nil {
			return err
		}
		remote = recs
	} else {
		for _, local := range s.cache.All() {
			rec, err := s.relay.GetRecord(ctx, local.Address)
			if err != nil {
				return err
			}
			if rec != nil {
				remote = append(remote, rec)
			}
		}
	}

	s.mu.Lock()
	listed := make(map[models.Address]bool, len(remote))
	for _, rec := range remote {
		listed[rec.Address] = true
	}
	for addr := range s.removed {
		if !listed[addr] {
			delete(s.removed, addr)
		}
	}
	err := s.cache.Update(s.now(), func(records map[models.Address]*models.MetadataRecord) {
		for _, rec := range remote {
			if _, ok := s.removed[rec.Address]; ok {
				continue
			}
			records[rec.Address] = Merge(records[rec.Address], rec)
		}
	})
	s.mu.Unlock()
	metrics.SetMetadataCacheSize(s.cache.Len())
	if err != nil {
		return err
	}

	s.logger.Debug("metadata refreshed", zap.Int("records", len(remote)), zap.Duration("took", time.Since(start)))
	return nil
}

// refreshAsync starts a background refresh unless one is already running.
func (s *Store) refreshAsync() {
	if s.relay == nil || !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("background refresh failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background refreshes finish.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Close cancels background refreshes and waits for them.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

// Merge combines a local and a remote copy of one record. The remote copy
// wins every field except a directory's members, where a non-empty local
// list wins because the relay may omit large member lists.
func Merge(local, remote *models.MetadataRecord) *models.MetadataRecord {
	if remote == nil {
		return local.Clone()
	}
	merged := remote.Clone()
	normalize(merged)
	if local != nil && merged.IsDirectory() && len(local.Members) > 0 {
		merged.Members = local.Clone().Members
	}
	return merged
}
