// Package models contains the data types shared by the snapfolder engine.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Address identifies an immutable blob or directory snapshot in the storage
// network. Two equal byte sequences always produce the same Address; there is
// no notion of a "latest" address, callers track the current one.
type Address string

// String returns the address text.
func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return a == "" }

// BlobEntry describes a single uploaded blob.
type BlobEntry struct {
	Address     Address `json:"address"`
	Size        uint64  `json:"size"`
	ContentKind string  `json:"content_kind"`
	Encrypted   bool    `json:"encrypted"`
}

// DirectoryMember is one file inside a directory snapshot. Members never carry
// their own address: the snapshot address covers all of them.
type DirectoryMember struct {
	RelativePath string `json:"relative_path"`
	DisplayName  string `json:"display_name"`
	Size         uint64 `json:"size"`
	ContentKind  string `json:"content_kind"`
	Encrypted    bool   `json:"encrypted"`
}

// DirectorySnapshot is the immutable member list published under one Address.
type DirectorySnapshot struct {
	Address     Address           `json:"address"`
	DisplayName string            `json:"display_name"`
	CreatedAt   time.Time         `json:"created_at"`
	Members     []DirectoryMember `json:"members"`
}

// TotalSize sums the size of every member.
func (s *DirectorySnapshot) TotalSize() uint64 {
	var total uint64
	for _, m := range s.Members {
		total += m.Size
	}
	return total
}

// RecordKind distinguishes standalone files from directory snapshots.
type RecordKind string

const (
	KindFile      RecordKind = "file"
	KindDirectory RecordKind = "directory"
)

// MetadataRecord describes a standalone file or a directory snapshot, keyed
// by Address.
type MetadataRecord struct {
	Address     Address    `json:"address"`
	OwnerID     string     `json:"owner_id,omitempty"`
	Kind        RecordKind `json:"kind"`
	DisplayName string     `json:"display_name"`
	Size        uint64     `json:"size"`
	ContentKind string     `json:"content_kind,omitempty"`
	Encrypted   bool       `json:"encrypted"`
	Members     Members    `json:"members,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsDirectory reports whether the record describes a directory snapshot.
func (r *MetadataRecord) IsDirectory() bool {
	return r.Kind == KindDirectory
}

// Clone returns a deep copy of the record.
func (r *MetadataRecord) Clone() *MetadataRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Members != nil {
		c.Members = make(Members, len(r.Members))
		copy(c.Members, r.Members)
	}
	return &c
}

// Snapshot converts a directory record into a DirectorySnapshot.
func (r *MetadataRecord) Snapshot() DirectorySnapshot {
	members := make([]DirectoryMember, len(r.Members))
	copy(members, r.Members)
	return DirectorySnapshot{
		Address:     r.Address,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
		Members:     members,
	}
}

// Members is the member list of a directory record. It always decodes to an
// array: some writers historically stored the list as a JSON-encoded string,
// which is unwrapped here, and anything unreadable becomes empty.
type Members []DirectoryMember

// UnmarshalJSON accepts an array, a string holding an array, or null.
func (m *Members) UnmarshalJSON(data []byte) error {
	*m = DecodeMembers(data)
	return nil
}

// DecodeMembers normalizes any stored member-list encoding into Members.
func DecodeMembers(data []byte) Members {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return Members{}
	}

	// Legacy form: the array was serialized into a string first.
	if strings.HasPrefix(raw, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return Members{}
		}
		return DecodeMembers([]byte(inner))
	}

	var list []DirectoryMember
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return Members{}
	}
	if list == nil {
		return Members{}
	}
	return Members(list)
}

// NavigationFrame is one breadcrumb entry.
type NavigationFrame struct {
	Address     Address `json:"address"`
	DisplayName string  `json:"display_name"`
}
