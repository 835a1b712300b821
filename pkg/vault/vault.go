// Package vault is the folder-level API over the engine: listings,
// standalone files, folder mutations, navigation and progress events.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/events"
	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/pkg/credential"
	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/nav"
	"github.com/fruitsalade/snapfolder/pkg/storage"
	"github.com/fruitsalade/snapfolder/pkg/synth"
	"github.com/fruitsalade/snapfolder/pkg/transfer"
)

// DirectoryKind is the content kind reported for folders in a root listing.
const DirectoryKind = "inode/directory"

// DefaultSettleDelay gives the relay time to become consistent after a
// write before the next listing.
const DefaultSettleDelay = 1500 * time.Millisecond

// Config holds vault configuration.
type Config struct {
	Transfer    *transfer.Pipeline // required
	Metadata    *metadata.Store    // required
	Nav         *nav.State         // nil = new root state
	Credentials credential.Provider

	// SettleDelay follows every write. Negative disables it.
	SettleDelay time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

// Vault is the folder API.
type Vault struct {
	transfer    *transfer.Pipeline
	meta        *metadata.Store
	nav         *nav.State
	synth       *synth.Synthesizer
	credentials credential.Provider
	settle      time.Duration
	now         func() time.Time
	events      *events.Broadcaster
	logger      *zap.Logger
}

// New creates a vault.
func New(cfg Config) *Vault {
	if cfg.Nav == nil {
		cfg.Nav = nav.New()
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Or(cfg.Logger)
	return &Vault{
		transfer: cfg.Transfer,
		meta:     cfg.Metadata,
		nav:      cfg.Nav,
		synth: synth.New(synth.Config{
			Transfer:    cfg.Transfer,
			Metadata:    cfg.Metadata,
			Nav:         cfg.Nav,
			Credentials: cfg.Credentials,
			Now:         cfg.Now,
			Logger:      logger,
		}),
		credentials: cfg.Credentials,
		settle:      cfg.SettleDelay,
		now:         cfg.Now,
		events:      events.NewBroadcaster(),
		logger:      logger.Named("vault"),
	}
}

// Close waits for background cleanups and refreshes.
func (v *Vault) Close() {
	v.synth.Close()
	v.meta.Close()
}

// Wait blocks until background cleanups finish.
func (v *Vault) Wait() {
	v.synth.Wait()
}

// ListFolder lists the folder at addr, or the owner's top-level records
// when addr is nil. Root entries use the record address as RelativePath.
func (v *Vault) ListFolder(ctx context.Context, addr *models.Address) ([]models.DirectoryMember, error) {
	if addr == nil {
		recs := v.meta.List(ctx)
		out := make([]models.DirectoryMember, 0, len(recs))
		for _, rec := range recs {
			out = append(out, rootEntry(rec))
		}
		return out, nil
	}

	rec := v.meta.Get(ctx, *addr)
	if rec == nil || !rec.IsDirectory() {
		return nil, fmt.Errorf("list %s: %w", *addr, errs.ErrDirectoryNotFound)
	}
	return synth.Visible(rec.Members), nil
}

func rootEntry(rec *models.MetadataRecord) models.DirectoryMember {
	m := models.DirectoryMember{
		RelativePath: rec.Address.String(),
		DisplayName:  rec.DisplayName,
		Size:         rec.Size,
		ContentKind:  rec.ContentKind,
		Encrypted:    isEncrypted(rec),
	}
	if rec.IsDirectory() {
		m.ContentKind = DirectoryKind
	}
	return m
}

// isEncrypted falls back to the upload-name marker when the flag is unset.
func isEncrypted(rec *models.MetadataRecord) bool {
	return rec.Encrypted || strings.HasSuffix(rec.DisplayName, transfer.EncryptedSuffix)
}

// Current returns the open folder, or nil at the root.
func (v *Vault) Current() *models.Address {
	return v.nav.CurrentAddress()
}

// Enter opens the folder at addr.
func (v *Vault) Enter(ctx context.Context, addr models.Address) error {
	rec := v.meta.Get(ctx, addr)
	if rec == nil || !rec.IsDirectory() {
		return fmt.Errorf("enter %s: %w", addr, errs.ErrDirectoryNotFound)
	}
	v.nav.Push(models.NavigationFrame{Address: addr, DisplayName: rec.DisplayName})
	return nil
}

// Up returns to the breadcrumb at index; nav.Root returns to the root.
func (v *Vault) Up(index int) {
	v.nav.PopTo(index)
}

// Breadcrumbs returns the navigation stack, root first.
func (v *Vault) Breadcrumbs() []models.NavigationFrame {
	return v.nav.Breadcrumbs()
}

// AddFiles adds files to the folder at addr and returns its new address.
func (v *Vault) AddFiles(ctx context.Context, addr models.Address, files []storage.File, encrypt bool) (models.Address, error) {
	op := v.begin("add_files", addr, "")
	res, err := v.synth.AddFiles(ctx, addr, files, encrypt)
	if err != nil {
		return "", op.fail(err)
	}
	op.succeed(res.New, dropMessage(res.Dropped))
	v.wait(ctx)
	return res.New, nil
}

// RemoveFile removes relPath from the folder at addr and returns its new
// address.
func (v *Vault) RemoveFile(ctx context.Context, addr models.Address, relPath string) (models.Address, error) {
	op := v.begin("remove_file", addr, relPath)
	res, err := v.synth.RemoveFile(ctx, addr, relPath)
	if err != nil {
		return "", op.fail(err)
	}
	op.succeed(res.New, dropMessage(res.Dropped))
	v.wait(ctx)
	return res.New, nil
}

func dropMessage(dropped []string) string {
	if len(dropped) == 0 {
		return ""
	}
	return fmt.Sprintf("%d unreachable file(s) left out: %s", len(dropped), strings.Join(dropped, ", "))
}

// UploadStandalone stores one file outside any folder.
func (v *Vault) UploadStandalone(ctx context.Context, data []byte, name string, encrypt bool) (models.Address, error) {
	op := v.begin("upload", "", name)
	entry, err := v.transfer.Upload(ctx, transfer.UploadRequest{Data: data, Name: name, Encrypt: encrypt})
	if err != nil {
		return "", op.fail(err)
	}
	op.progress(int64(entry.Size), int64(entry.Size))

	rec := &models.MetadataRecord{
		Address:     entry.Address,
		Kind:        models.KindFile,
		DisplayName: name,
		Size:        entry.Size,
		ContentKind: entry.ContentKind,
		Encrypted:   entry.Encrypted,
	}
	if err := v.meta.Put(ctx, rec); err != nil {
		return "", op.fail(err)
	}
	op.succeed(entry.Address, "")
	v.wait(ctx)
	return entry.Address, nil
}

// CreateFolder uploads files as a new folder. With no files the folder
// holds only the empty-directory marker.
func (v *Vault) CreateFolder(ctx context.Context, name string, files []storage.File, encrypt bool) (models.Address, error) {
	op := v.begin("create_folder", "", name)
	batch := make([]transfer.BatchFile, 0, len(files))
	for _, f := range files {
		batch = append(batch, transfer.BatchFile{File: f, Encrypt: encrypt})
	}
	if len(batch) == 0 {
		batch = append(batch, synth.PlaceholderFile())
	}

	addr, members, err := v.transfer.UploadFiles(ctx, name, batch)
	if err != nil {
		return "", op.fail(err)
	}
	rec := &models.MetadataRecord{
		Address:     addr,
		Kind:        models.KindDirectory,
		DisplayName: name,
		Encrypted:   encrypt,
		Members:     models.Members(members),
	}
	for _, m := range members {
		rec.Size += m.Size
	}
	if err := v.meta.Put(ctx, rec); err != nil {
		return "", op.fail(err)
	}
	op.succeed(addr, "")
	v.wait(ctx)
	return addr, nil
}

// DownloadStandalone fetches a standalone file.
func (v *Vault) DownloadStandalone(ctx context.Context, addr models.Address) ([]byte, error) {
	op := v.begin("download", addr, "")
	req := transfer.DownloadRequest{Address: addr, Progress: op.onProgress}
	if rec := v.meta.Get(ctx, addr); rec != nil {
		req.Encrypted = isEncrypted(rec)
		req.SizeHint = int64(rec.Size)
	}
	data, err := v.transfer.Download(ctx, req)
	if err != nil {
		return nil, op.fail(err)
	}
	op.succeed(addr, "")
	return data, nil
}

// DownloadMember fetches one file of the folder at dir.
func (v *Vault) DownloadMember(ctx context.Context, dir models.Address, relPath string) ([]byte, error) {
	op := v.begin("download", dir, relPath)
	req := transfer.DownloadRequest{Address: dir, Path: relPath, Progress: op.onProgress}
	if rec := v.meta.Get(ctx, dir); rec != nil {
		for _, m := range rec.Members {
			if m.RelativePath == relPath {
				req.Encrypted = m.Encrypted
				req.SizeHint = int64(m.Size)
				break
			}
		}
	}
	data, err := v.transfer.Download(ctx, req)
	if err != nil {
		return nil, op.fail(err)
	}
	op.succeed(dir, "")
	return data, nil
}

// Delete releases a file or folder and forgets its record. Navigation
// leaves the folder if it is open. An unpin failure keeps the record so
// the delete can be retried.
func (v *Vault) Delete(ctx context.Context, addr models.Address) error {
	op := v.begin("delete", addr, "")
	if _, err := credential.Require(v.credentials); err != nil {
		return op.fail(err)
	}
	if err := v.transfer.Unpin(ctx, addr); err != nil && !storage.IsNotFound(err) {
		return op.fail(err)
	}
	v.meta.Remove(ctx, addr)
	v.nav.Leave(addr)
	op.succeed(addr, "")
	v.wait(ctx)
	return nil
}

// Rename changes the display name of a file or folder. The address is
// unchanged since content is unchanged.
func (v *Vault) Rename(ctx context.Context, addr models.Address, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("rename %s: empty name", addr)
	}
	rec := v.meta.Get(ctx, addr)
	if rec == nil {
		return fmt.Errorf("rename %s: %w", addr, errs.ErrDirectoryNotFound)
	}
	rec.DisplayName = name
	rec.UpdatedAt = v.now().UTC()
	if err := v.meta.Put(ctx, rec); err != nil {
		return err
	}
	v.nav.Rename(addr, name)
	return nil
}

// wait sleeps for the settle delay unless ctx ends first.
func (v *Vault) wait(ctx context.Context) {
	if v.settle <= 0 {
		return
	}
	t := time.NewTimer(v.settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// operation publishes the lifecycle of one call.
type operation struct {
	v    *Vault
	id   string
	name string
	addr models.Address
	path string
}

func (v *Vault) begin(name string, addr models.Address, path string) *operation {
	op := &operation{v: v, id: uuid.NewString(), name: name, addr: addr, path: path}
	op.status(events.StateStarted, addr, "")
	return op
}

func (op *operation) status(state string, addr models.Address, msg string) {
	op.v.events.Publish(events.Event{
		Type:    events.TypeStatus,
		OpID:    op.id,
		Op:      op.name,
		Address: addr.String(),
		Path:    op.path,
		State:   state,
		Message: msg,
	})
}

func (op *operation) progress(loaded, total int64) {
	op.v.events.Publish(events.Event{
		Type:    events.TypeProgress,
		OpID:    op.id,
		Op:      op.name,
		Address: op.addr.String(),
		Path:    op.path,
		Loaded:  loaded,
		Total:   total,
	})
}

func (op *operation) onProgress(p transfer.Progress) {
	op.progress(p.Loaded, p.Total)
}

func (op *operation) succeed(addr models.Address, msg string) {
	op.status(events.StateSucceeded, addr, msg)
}

func (op *operation) fail(err error) error {
	op.v.logger.Warn("operation failed",
		zap.String("op", op.name),
		zap.String("op_id", op.id),
		zap.String("address", op.addr.String()),
		zap.Error(err),
	)
	op.status(events.StateFailed, op.addr, errs.Describe(err))
	return err
}
