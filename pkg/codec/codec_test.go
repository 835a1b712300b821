package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataURIRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello world"),
		{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0},
		{0x00, 0xff, 0x10},
	}
	for _, p := range payloads {
		uri := DataURI(p)
		require.True(t, IsDataURI(uri), uri)

		got, kind, err := ParseDataURI(uri)
		require.NoError(t, err)
		assert.Equal(t, p, got)
		assert.NotEmpty(t, kind)
	}
}

func TestContentKind(t *testing.T) {
	assert.Equal(t, "text/plain", ContentKind([]byte("plain text")))
	assert.Equal(t, "image/png", ContentKind([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}))
}

func TestFromPlaintext(t *testing.T) {
	assert.Equal(t, []byte("abc"), FromPlaintext(ToPlaintext([]byte("abc"))))
	assert.Equal(t, []byte("already final"), FromPlaintext("already final"))
	assert.Equal(t, []byte("data:text/plain,notbase64"), FromPlaintext("data:text/plain,notbase64"))
}

func TestParseDataURI_Rejects(t *testing.T) {
	_, _, err := ParseDataURI("hello")
	assert.ErrorIs(t, err, ErrNotDataURI)

	_, _, err = ParseDataURI("data:text/plain;base64,!!!")
	assert.Error(t, err)
}

func TestIsTextual(t *testing.T) {
	tests := map[string]bool{
		"":                          true,
		"text/plain; charset=utf-8": true,
		"application/json":          true,
		"application/vnd.api+json":  true,
		"application/octet-stream":  false,
		"image/png":                 false,
	}
	for ct, want := range tests {
		assert.Equal(t, want, IsTextual(ct), ct)
	}
}
