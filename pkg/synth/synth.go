// Package synth emulates folder mutations on an immutable store. Adding or
// removing a file rebuilds the whole directory snapshot under a new address,
// repoints everything that referenced the old one and releases the old
// snapshot in the background.
package synth

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/pkg/credential"
	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/nav"
	"github.com/fruitsalade/snapfolder/pkg/storage"
	"github.com/fruitsalade/snapfolder/pkg/transfer"
)

// PlaceholderPath is the member that stands in for an empty directory.
const PlaceholderPath = ".snapfolder-empty"

var placeholderData = []byte("This folder is empty.\n")

// DefaultCleanupTimeout bounds one background cleanup.
const DefaultCleanupTimeout = 2 * time.Minute

// IsPlaceholder reports whether m is the empty-directory marker.
func IsPlaceholder(m models.DirectoryMember) bool {
	return m.RelativePath == PlaceholderPath
}

// Visible returns members without the empty-directory marker.
func Visible(members []models.DirectoryMember) []models.DirectoryMember {
	out := make([]models.DirectoryMember, 0, len(members))
	for _, m := range members {
		if !IsPlaceholder(m) {
			out = append(out, m)
		}
	}
	return out
}

// PlaceholderFile returns the marker file uploaded in place of an empty
// member set.
func PlaceholderFile() transfer.BatchFile {
	return transfer.BatchFile{File: storage.File{Path: PlaceholderPath, Data: placeholderData}}
}

// Delta is a membership change. Added files replace existing members at
// the same path.
type Delta struct {
	Add     []storage.File
	Remove  []string
	Encrypt bool // applies to Add
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Result describes a completed synthesis.
type Result struct {
	Old      models.Address
	New      models.Address
	Snapshot models.DirectorySnapshot
	Dropped  []string // surviving members that could not be fetched
}

// Config holds synthesizer configuration.
type Config struct {
	Transfer    *transfer.Pipeline // required
	Metadata    *metadata.Store    // required
	Nav         *nav.State         // optional
	Credentials credential.Provider

	CleanupTimeout time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
}

// Synthesizer rebuilds directory snapshots. Mutations of one directory are
// serialized; a caller that waited on an address superseded in the
// meantime is moved to the latest address.
type Synthesizer struct {
	transfer    *transfer.Pipeline
	meta        *metadata.Store
	nav         *nav.State
	credentials credential.Provider
	timeout     time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	locks   map[models.Address]*addrLock
	next    map[models.Address]models.Address
	retired map[models.Address]bool // cleaned up, pruned once unlocked

	cleanups sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type addrLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a synthesizer.
func New(cfg Config) *Synthesizer {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synthesizer{
		transfer:    cfg.Transfer,
		meta:        cfg.Metadata,
		nav:         cfg.Nav,
		credentials: cfg.Credentials,
		timeout:     cfg.CleanupTimeout,
		now:         cfg.Now,
		logger:      logging.Or(cfg.Logger).Named("synth"),
		locks:       make(map[models.Address]*addrLock),
		next:        make(map[models.Address]models.Address),
		retired:     make(map[models.Address]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// AddFiles adds files to the directory at dir.
func (s *Synthesizer) AddFiles(ctx context.Context, dir models.Address, files []storage.File, encrypt bool) (*Result, error) {
	return s.Apply(ctx, dir, Delta{Add: files, Encrypt: encrypt})
}

// RemoveFile removes the member at relPath from the directory at dir.
func (s *Synthesizer) RemoveFile(ctx context.Context, dir models.Address, relPath string) (*Result, error) {
	return s.Apply(ctx, dir, Delta{Remove: []string{relPath}})
}

// Latest follows the supersession chain from addr.
func (s *Synthesizer) Latest(addr models.Address) models.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(addr)
}

func (s *Synthesizer) latestLocked(addr models.Address) models.Address {
	for {
		next, ok := s.next[addr]
		if !ok || next == addr {
			return addr
		}
		addr = next
	}
}

// Apply rebuilds the directory at dir with delta applied. The operation
// succeeds once the new snapshot is uploaded; recording it and releasing
// the old snapshot never fail the call.
func (s *Synthesizer) Apply(ctx context.Context, dir models.Address, delta Delta) (*Result, error) {
	start := time.Now()
	addr, lock := s.acquire(dir)
	defer s.release(addr, lock)

	res, err := s.apply(ctx, addr, delta)
	if err != nil {
		metrics.RecordRebuild(time.Since(start), 0, false)
		s.logger.Warn("rebuild failed", zap.String("address", addr.String()), zap.Error(err))
		return nil, err
	}
	metrics.RecordRebuild(time.Since(start), len(res.Dropped), true)
	return res, nil
}

func (s *Synthesizer) apply(ctx context.Context, addr models.Address, delta Delta) (*Result, error) {
	// PREPARE
	if _, err := credential.Require(s.credentials); err != nil {
		return nil, err
	}
	rec := s.meta.Get(ctx, addr)
	if rec == nil || !rec.IsDirectory() {
		return nil, fmt.Errorf("directory %s: %w", addr, errs.ErrDirectoryNotFound)
	}

	// FILTER_MEMBERS
	survivors := Visible(rec.Members)
	for _, target := range delta.Remove {
		i := matchMember(survivors, target)
		if i < 0 {
			return nil, fmt.Errorf("remove %q from %s: %w", target, addr, errs.ErrMemberNotFound)
		}
		survivors = append(survivors[:i], survivors[i+1:]...)
	}

	added := make(map[string]bool, len(delta.Add))
	for _, f := range delta.Add {
		added[f.Path] = true
	}

	// FETCH_REMAINING_MEMBERS
	var (
		files   []transfer.BatchFile
		dropped []string
	)
	for _, m := range survivors {
		if added[m.RelativePath] {
			continue
		}
		data, err := s.transfer.DownloadMember(ctx, addr, m.RelativePath, m.Encrypted)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if unreadable(err) {
				return nil, fmt.Errorf("fetch %q from %s: %w", m.RelativePath, addr, err)
			}
			s.logger.Warn("dropping member that could not be fetched",
				zap.String("address", addr.String()),
				zap.String("path", m.RelativePath),
				zap.Error(err),
			)
			dropped = append(dropped, m.RelativePath)
			continue
		}
		files = append(files, transfer.BatchFile{
			File:        storage.File{Path: m.RelativePath, Data: data},
			Encrypt:     m.Encrypted,
			DisplayName: m.DisplayName,
		})
	}
	for _, f := range dedupe(delta.Add) {
		files = append(files, transfer.BatchFile{File: f, Encrypt: delta.Encrypt})
	}

	// REBUILD
	if len(files) == 0 {
		files = []transfer.BatchFile{PlaceholderFile()}
	}
	newAddr, members, err := s.transfer.UploadFiles(ctx, rec.DisplayName, files)
	if err != nil {
		return nil, err
	}

	// SWAP_POINTER
	next := &models.MetadataRecord{
		Address:     newAddr,
		OwnerID:     rec.OwnerID,
		Kind:        models.KindDirectory,
		DisplayName: rec.DisplayName,
		Encrypted:   rec.Encrypted || delta.Encrypt,
		Members:     models.Members(members),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   s.now().UTC(),
	}
	for _, m := range members {
		next.Size += m.Size
	}
	if err := s.meta.Put(ctx, next); err != nil {
		s.logger.Warn("recording new snapshot failed",
			zap.String("address", newAddr.String()),
			zap.Error(err),
		)
	}
	if s.nav != nil {
		s.nav.Repoint(addr, newAddr)
	}

	res := &Result{Old: addr, New: newAddr, Snapshot: next.Snapshot(), Dropped: dropped}
	s.logger.Info("directory rebuilt",
		zap.String("old", addr.String()),
		zap.String("new", newAddr.String()),
		zap.Int("members", len(members)),
		zap.Int("dropped", len(dropped)),
	)

	// CLEANUP_OLD
	if newAddr != addr {
		s.supersede(addr, newAddr)
		s.cleanup(addr)
	}
	return res, nil
}

// unreadable reports whether err means the member exists but cannot be
// decrypted here. Dropping it would discard content the owner still has.
func unreadable(err error) bool {
	return errors.Is(err, errs.ErrDecryptionFailed) ||
		errors.Is(err, errs.ErrMissingSecret) ||
		errors.Is(err, errs.ErrPrimitiveUnavailable)
}

// matchMember finds target by exact path, then by final path segment.
func matchMember(members []models.DirectoryMember, target string) int {
	for i, m := range members {
		if m.RelativePath == target {
			return i
		}
	}
	base := path.Base(target)
	for i, m := range members {
		if path.Base(m.RelativePath) == base {
			return i
		}
	}
	return -1
}

// dedupe keeps the last file for each path, in first-seen order.
func dedupe(files []storage.File) []storage.File {
	last := make(map[string]int, len(files))
	for i, f := range files {
		last[f.Path] = i
	}
	out := make([]storage.File, 0, len(last))
	for i, f := range files {
		if last[f.Path] == i {
			out = append(out, f)
		}
	}
	return out
}

func (s *Synthesizer) acquire(dir models.Address) (models.Address, *addrLock) {
	addr := dir
	for {
		s.mu.Lock()
		addr = s.latestLocked(addr)
		l := s.locks[addr]
		if l == nil {
			l = &addrLock{}
			s.locks[addr] = l
		}
		l.refs++
		s.mu.Unlock()

		l.mu.Lock()

		s.mu.Lock()
		latest := s.latestLocked(addr)
		s.mu.Unlock()
		if latest == addr {
			return addr, l
		}
		s.release(addr, l)
		addr = latest
	}
}

func (s *Synthesizer) release(addr models.Address, l *addrLock) {
	l.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, addr)
		if s.retired[addr] {
			delete(s.retired, addr)
			delete(s.next, addr)
		}
	}
}

// supersede records old -> to and collapses every chain ending at old, so
// pruning one link never strands an older address.
func (s *Synthesizer) supersede(old, to models.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for from, target := range s.next {
		switch {
		case target != old:
		case from == to:
			delete(s.next, from)
		default:
			s.next[from] = to
		}
	}
	s.next[old] = to
}

// retire drops the supersession entry of a cleaned-up address once no
// caller holds or waits on its lock.
func (s *Synthesizer) retire(old models.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.locks[old]; busy {
		s.retired[old] = true
		return
	}
	delete(s.next, old)
}

// cleanup releases a superseded snapshot in the background. Failures are
// logged only: nothing points at old any more.
func (s *Synthesizer) cleanup(old models.Address) {
	s.cleanups.Add(1)
	go func() {
		defer s.cleanups.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		ok := true
		if err := s.transfer.Unpin(ctx, old); err != nil {
			if storage.IsNotFound(err) {
				s.logger.Debug("superseded snapshot already unpinned", zap.String("address", old.String()))
			} else {
				ok = false
				s.logger.Warn("unpin of superseded snapshot failed",
					zap.String("address", old.String()),
					zap.Error(err),
				)
			}
		}
		s.meta.Remove(ctx, old)
		s.transfer.Forget(old)
		s.retire(old)
		metrics.RecordCleanup(ok && !errors.Is(ctx.Err(), context.DeadlineExceeded))
	}()
}

// Wait blocks until pending cleanups finish.
func (s *Synthesizer) Wait() {
	s.cleanups.Wait()
}

// Close cancels pending cleanups and waits for them.
func (s *Synthesizer) Close() {
	s.cancel()
	s.cleanups.Wait()
}
