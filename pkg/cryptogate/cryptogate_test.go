package cryptogate

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap key derivation keeps the suite fast
func testPrimitive() *AESGCM {
	return &AESGCM{Time: 1, MemoryKiB: 64, Threads: 1}
}

func TestRoundTrip(t *testing.T) {
	g := New(testPrimitive())
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
		{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	}
	for _, p := range payloads {
		blob, err := g.EncryptPayload(ctx, p, "s3cret")
		require.NoError(t, err)
		assert.True(t, IsCiphertext(blob), "blob should carry the ciphertext prefix")

		got, err := g.DecryptPayload(ctx, blob, "s3cret")
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestDecrypt_WrongSecret(t *testing.T) {
	g := New(testPrimitive())
	ctx := context.Background()

	blob, err := g.EncryptPayload(ctx, []byte("data"), "right")
	require.NoError(t, err)

	_, err = g.DecryptPayload(ctx, blob, "wrong")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestDecrypt_Corrupted(t *testing.T) {
	g := New(testPrimitive())
	_, err := g.DecryptPayload(context.Background(), CiphertextPrefix+"garbage", "s")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestMissingSecret(t *testing.T) {
	g := New(testPrimitive())
	ctx := context.Background()

	_, err := g.EncryptPayload(ctx, []byte("x"), "")
	assert.ErrorIs(t, err, errs.ErrMissingSecret)

	_, err = g.DecryptPayload(ctx, "U2FsdGVkX1abc", "")
	assert.ErrorIs(t, err, errs.ErrMissingSecret)
}

func TestPrimitiveUnavailable(t *testing.T) {
	g := New(nil, WithPolling(3, time.Millisecond))

	start := time.Now()
	_, err := g.EncryptPayload(context.Background(), []byte("x"), "s")
	assert.ErrorIs(t, err, errs.ErrPrimitiveUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPrimitiveInstalledWhilePolling(t *testing.T) {
	g := New(nil, WithPolling(50, 5*time.Millisecond))
	g.Load(func() (Primitive, error) {
		time.Sleep(20 * time.Millisecond)
		return testPrimitive(), nil
	})

	blob, err := g.EncryptPayload(context.Background(), []byte("late"), "s")
	require.NoError(t, err)
	assert.True(t, g.Ready())
	assert.True(t, IsCiphertext(blob))
}

type failingPrimitive struct{}

func (failingPrimitive) Encrypt(string, string) (string, error) { return "", errors.New("boom") }
func (failingPrimitive) Decrypt(string, string) (string, error) { return "", nil }

func TestPrimitiveFailures(t *testing.T) {
	g := New(failingPrimitive{})
	ctx := context.Background()

	_, err := g.EncryptPayload(ctx, []byte("x"), "s")
	assert.ErrorIs(t, err, errs.ErrEncryptionFailed)

	_, err = g.DecryptPayload(ctx, "U2FsdGVkX1abc", "s")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestIsCiphertext(t *testing.T) {
	assert.True(t, IsCiphertext("  U2FsdGVkX1+abc"))
	assert.False(t, IsCiphertext("hello"))
	assert.False(t, IsCiphertext(""))
}
