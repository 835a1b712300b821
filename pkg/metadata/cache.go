package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fruitsalade/snapfolder/pkg/models"
)

// cacheDocument is the persisted form of the local cache. UpdatedAt is the
// last time the whole document was reconciled with the relay.
type cacheDocument struct {
	UpdatedAt time.Time                                 `json:"updated_at"`
	Records   map[models.Address]*models.MetadataRecord `json:"records"`
}

// LocalCache is the local copy of metadata records, persisted as one JSON
// document. Records are always replaced whole; readers get copies.
type LocalCache struct {
	mu   sync.RWMutex
	path string
	doc  cacheDocument
}

// OpenLocalCache loads the cache document at path. An empty path keeps the
// cache in memory only. A missing or unreadable document starts empty.
func OpenLocalCache(path string) (*LocalCache, error) {
	c := &LocalCache{
		path: path,
		doc:  cacheDocument{Records: make(map[models.Address]*models.MetadataRecord)},
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt cache is rebuilt from the relay on the next refresh.
		return c, nil
	}
	if doc.Records == nil {
		doc.Records = make(map[models.Address]*models.MetadataRecord)
	}
	for addr, rec := range doc.Records {
		if rec == nil {
			delete(doc.Records, addr)
			continue
		}
		normalize(rec)
	}
	c.doc = doc
	return c, nil
}

// Path returns the document path, "" for memory-only caches.
func (c *LocalCache) Path() string { return c.path }

// UpdatedAt returns the document timestamp.
func (c *LocalCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.UpdatedAt
}

// Len returns the number of cached records.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.doc.Records)
}

// Get returns a copy of the record for addr, or nil.
func (c *LocalCache) Get(addr models.Address) *models.MetadataRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.Records[addr].Clone()
}

// All returns copies of every record, newest first.
func (c *LocalCache) All() []*models.MetadataRecord {
	c.mu.RLock()
	out := make([]*models.MetadataRecord, 0, len(c.doc.Records))
	for _, rec := range c.doc.Records {
		out = append(out, rec.Clone())
	}
	c.mu.RUnlock()
	sortRecords(out)
	return out
}

// Put replaces the record stored under rec.Address.
func (c *LocalCache) Put(rec *models.MetadataRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc.Records[rec.Address] = rec.Clone()
	return c.saveLocked()
}

// Delete removes the record for addr.
func (c *LocalCache) Delete(addr models.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.doc.Records[addr]; !ok {
		return nil
	}
	delete(c.doc.Records, addr)
	return c.saveLocked()
}

// Update applies fn to the record set under one lock and stamps the document
// with at. fn receives the live map and must store whole records.
func (c *LocalCache) Update(at time.Time, fn func(records map[models.Address]*models.MetadataRecord)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.doc.Records)
	c.doc.UpdatedAt = at
	return c.saveLocked()
}

// saveLocked writes the document to a temp file and renames it into place.
func (c *LocalCache) saveLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.Marshal(c.doc)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

// normalize gives directory records a non-nil member list.
func normalize(rec *models.MetadataRecord) {
	if rec.IsDirectory() && rec.Members == nil {
		rec.Members = models.Members{}
	}
}
