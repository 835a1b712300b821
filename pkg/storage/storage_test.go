package storage

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobAddress_Deterministic(t *testing.T) {
	a, err := BlobAddress([]byte("hello"))
	require.NoError(t, err)
	b, err := BlobAddress([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	parsed, err := ParseAddress(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestDirectoryAddress_IgnoresOrder(t *testing.T) {
	m1, err := BuildManifest([]File{{Path: "a", Data: []byte("1")}, {Path: "b", Data: []byte("2")}})
	require.NoError(t, err)
	m2, err := BuildManifest([]File{{Path: "b", Data: []byte("2")}, {Path: "a", Data: []byte("1")}})
	require.NoError(t, err)

	d1, err := DirectoryAddress(m1)
	require.NoError(t, err)
	d2, err := DirectoryAddress(m2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	m3, err := BuildManifest([]File{{Path: "a", Data: []byte("1")}})
	require.NoError(t, err)
	d3, err := DirectoryAddress(m3)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	e, ok := m1.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, 1, e.Size)
	_, ok = m1.Lookup("c")
	assert.False(t, ok)
}

func TestParseAddress_Invalid(t *testing.T) {
	_, err := ParseAddress("not-a-cid")
	assert.ErrorIs(t, err, errs.ErrInvalidAddress)
}

func TestCheckStatus(t *testing.T) {
	resp := func(code int) *http.Response {
		return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader("msg"))}
	}

	assert.NoError(t, CheckStatus("op", resp(http.StatusOK)))

	for _, code := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusNotFound} {
		err := CheckStatus("op", resp(code))
		assert.False(t, retry.IsRetryable(err), "status %d must not be retried", code)
		assert.NotErrorIs(t, err, errs.ErrNetworkUnavailable)
	}

	err := CheckStatus("op", resp(http.StatusUnauthorized))
	assert.False(t, retry.IsRetryable(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "msg", se.Message)
}
