// Package codec converts between raw bytes, base64 text and data URIs, the
// shapes the encryption primitive and the storage network exchange.
package codec

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const dataPrefix = "data:"

// ErrNotDataURI is returned by ParseDataURI for text that is not a base64
// data URI.
var ErrNotDataURI = errors.New("not a base64 data URI")

// Encode returns the standard base64 encoding of b.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses standard base64 text, tolerating surrounding whitespace.
func Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// ContentKind detects the media type of b without parameters, e.g.
// "image/png" or "text/plain".
func ContentKind(b []byte) string {
	return BaseType(mimetype.Detect(b).String())
}

// BaseType strips parameters from a media type:
// "text/plain; charset=utf-8" becomes "text/plain".
func BaseType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// DataURI renders b as "data:<kind>;base64,<payload>".
func DataURI(b []byte) string {
	return dataPrefix + ContentKind(b) + ";base64," + Encode(b)
}

// IsDataURI reports whether s looks like a base64 data URI.
func IsDataURI(s string) bool {
	if !strings.HasPrefix(s, dataPrefix) {
		return false
	}
	comma := strings.IndexByte(s, ',')
	return comma > 0 && strings.HasSuffix(s[:comma], ";base64")
}

// ParseDataURI decodes a base64 data URI into its bytes and media type.
func ParseDataURI(s string) ([]byte, string, error) {
	if !IsDataURI(s) {
		return nil, "", ErrNotDataURI
	}
	comma := strings.IndexByte(s, ',')
	kind := strings.TrimSuffix(s[len(dataPrefix):comma], ";base64")
	b, err := Decode(s[comma+1:])
	if err != nil {
		return nil, "", err
	}
	return b, kind, nil
}

// ToPlaintext shapes raw bytes into the text the encryption primitive takes.
func ToPlaintext(b []byte) string {
	return DataURI(b)
}

// FromPlaintext reverses ToPlaintext. Text that is not a data URI is
// returned as its raw bytes.
func FromPlaintext(s string) []byte {
	if b, _, err := ParseDataURI(s); err == nil {
		return b
	}
	return []byte(s)
}

// IsTextual reports whether a response content type carries text that may
// still need client-side decoding: text/*, JSON, or an absent type.
func IsTextual(contentType string) bool {
	base := BaseType(contentType)
	switch {
	case base == "":
		return true
	case strings.HasPrefix(base, "text/"):
		return true
	case base == "application/json", strings.HasSuffix(base, "+json"):
		return true
	default:
		return false
	}
}
