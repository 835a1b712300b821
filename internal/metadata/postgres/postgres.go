// Package postgres provides a PostgreSQL-backed metadata relay store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/fruitsalade/snapfolder/internal/metadata/postgres/migrations"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/models"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Relay = (*Store)(nil)

// New opens a store at databaseURL.
func New(databaseURL string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const selectColumns = `address, owner_id, kind, display_name, size, content_kind, encrypted, members, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.MetadataRecord, error) {
	var (
		rec     models.MetadataRecord
		size    int64
		members string
	)
	if err := row.Scan(&rec.Address, &rec.OwnerID, &rec.Kind, &rec.DisplayName, &size,
		&rec.ContentKind, &rec.Encrypted, &members, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Size = uint64(size)
	rec.Members = models.DecodeMembers([]byte(members))
	return &rec, nil
}

// GetRecord implements metadata.Relay.
func (s *Store) GetRecord(ctx context.Context, addr models.Address) (*models.MetadataRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_record", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM records WHERE address = $1`, string(addr))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", addr, err)
	}
	return rec, nil
}

// PutRecord implements metadata.Relay.
func (s *Store) PutRecord(ctx context.Context, rec *models.MetadataRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("put_record", time.Since(start)) }()

	members := rec.Members
	if members == nil {
		members = models.Members{}
	}
	encoded, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (address, owner_id, kind, display_name, size, content_kind, encrypted, members, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (address) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			kind = EXCLUDED.kind,
			display_name = EXCLUDED.display_name,
			size = EXCLUDED.size,
			content_kind = EXCLUDED.content_kind,
			encrypted = EXCLUDED.encrypted,
			members = EXCLUDED.members,
			updated_at = EXCLUDED.updated_at`,
		string(rec.Address), rec.OwnerID, string(rec.Kind), rec.DisplayName, int64(rec.Size),
		rec.ContentKind, rec.Encrypted, string(encoded), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.Address, err)
	}
	return nil
}

// DeleteRecord implements metadata.Relay. Deleting a missing record is not
// an error.
func (s *Store) DeleteRecord(ctx context.Context, addr models.Address) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_record", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE address = $1`, string(addr)); err != nil {
		return fmt.Errorf("delete record %s: %w", addr, err)
	}
	return nil
}

// ListRecordsForOwner implements metadata.Relay.
func (s *Store) ListRecordsForOwner(ctx context.Context, ownerID string) ([]*models.MetadataRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_records", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM records WHERE owner_id = $1 ORDER BY created_at DESC, address`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*models.MetadataRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
