package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	blobBuilder = cid.V1Builder{Codec: cid.Raw, MhType: multihash.SHA2_256}
	dirBuilder  = cid.V1Builder{Codec: cid.DagJSON, MhType: multihash.SHA2_256}
)

// ManifestEntry maps one member path to the blob holding its bytes.
type ManifestEntry struct {
	Path    string         `json:"path"`
	Address models.Address `json:"address"`
	Size    int            `json:"size"`
}

// Manifest is the canonical description of a directory snapshot.
type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// Lookup returns the entry for path.
func (m *Manifest) Lookup(path string) (ManifestEntry, bool) {
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= path })
	if i < len(m.Entries) && m.Entries[i].Path == path {
		return m.Entries[i], true
	}
	return ManifestEntry{}, false
}

// BlobAddress derives the CIDv1 (raw, sha2-256) of data.
func BlobAddress(data []byte) (models.Address, error) {
	c, err := blobBuilder.Sum(data)
	if err != nil {
		return "", fmt.Errorf("hash blob: %w", err)
	}
	return models.Address(c.String()), nil
}

// BuildManifest hashes every file and returns the manifest sorted by path.
// A later file with the same path replaces an earlier one.
func BuildManifest(files []File) (*Manifest, error) {
	byPath := make(map[string]ManifestEntry, len(files))
	for _, f := range files {
		addr, err := BlobAddress(f.Data)
		if err != nil {
			return nil, err
		}
		byPath[f.Path] = ManifestEntry{Path: f.Path, Address: addr, Size: len(f.Data)}
	}

	m := &Manifest{Entries: make([]ManifestEntry, 0, len(byPath))}
	for _, e := range byPath {
		m.Entries = append(m.Entries, e)
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	return m, nil
}

// DirectoryAddress derives the CIDv1 (dag-json, sha2-256) of a manifest.
// Equal member sets always produce equal addresses.
func DirectoryAddress(m *Manifest) (models.Address, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	c, err := dirBuilder.Sum(data)
	if err != nil {
		return "", fmt.Errorf("hash manifest: %w", err)
	}
	return models.Address(c.String()), nil
}

// ParseAddress validates s as a CID.
func ParseAddress(s string) (models.Address, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", errs.ErrInvalidAddress, s, err)
	}
	return models.Address(c.String()), nil
}
