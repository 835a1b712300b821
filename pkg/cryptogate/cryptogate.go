// Package cryptogate wraps a symmetric encryption primitive that may become
// available asynchronously, and maps its failures to typed errors.
package cryptogate

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/snapfolder/pkg/codec"
	"github.com/fruitsalade/snapfolder/pkg/errs"
)

// CiphertextPrefix starts every blob produced by the gate. Consumers use it
// to decide whether a downloaded payload still needs client-side decryption.
const CiphertextPrefix = "U2FsdGVkX1"

// Default polling window while waiting for the primitive.
const (
	DefaultPollAttempts = 10
	DefaultPollInterval = 100 * time.Millisecond
)

// Primitive is the opaque encrypt/decrypt pair. Decrypt returns an empty
// string or an error when the secret is wrong or the input is corrupt.
type Primitive interface {
	Encrypt(plaintext, secret string) (string, error)
	Decrypt(ciphertext, secret string) (string, error)
}

// Gate guards access to a Primitive.
type Gate struct {
	prim         atomic.Pointer[primitiveBox]
	pollAttempts int
	pollInterval time.Duration
}

type primitiveBox struct{ p Primitive }

// Option configures a Gate.
type Option func(*Gate)

// WithPolling overrides the readiness polling window.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(g *Gate) {
		g.pollAttempts = attempts
		g.pollInterval = interval
	}
}

// New creates a gate. p may be nil and installed later with Install.
func New(p Primitive, opts ...Option) *Gate {
	g := &Gate{
		pollAttempts: DefaultPollAttempts,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	if p != nil {
		g.Install(p)
	}
	return g
}

// Install makes p available to callers waiting on the gate.
func (g *Gate) Install(p Primitive) {
	g.prim.Store(&primitiveBox{p: p})
}

// Load runs loader in the background and installs its primitive when it
// returns one.
func (g *Gate) Load(loader func() (Primitive, error)) {
	go func() {
		p, err := loader()
		if err == nil && p != nil {
			g.Install(p)
		}
	}()
}

// Ready reports whether a primitive is installed.
func (g *Gate) Ready() bool {
	return g.prim.Load() != nil
}

func (g *Gate) primitive(ctx context.Context) (Primitive, error) {
	for attempt := 0; ; attempt++ {
		if box := g.prim.Load(); box != nil {
			return box.p, nil
		}
		if attempt+1 >= g.pollAttempts {
			return nil, errs.ErrPrimitiveUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", errs.ErrPrimitiveUnavailable, ctx.Err())
		case <-time.After(g.pollInterval):
		}
	}
}

// EncryptPayload encrypts b under secret and returns the ciphertext text.
func (g *Gate) EncryptPayload(ctx context.Context, b []byte, secret string) (string, error) {
	if secret == "" {
		return "", errs.ErrMissingSecret
	}
	p, err := g.primitive(ctx)
	if err != nil {
		return "", err
	}

	out, err := p.Encrypt(codec.ToPlaintext(b), secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrEncryptionFailed, err)
	}
	if out == "" {
		return "", errs.ErrEncryptionFailed
	}
	return out, nil
}

// DecryptPayload decrypts a blob produced by EncryptPayload. A wrong secret
// and corrupted ciphertext both yield ErrDecryptionFailed.
func (g *Gate) DecryptPayload(ctx context.Context, blob, secret string) ([]byte, error) {
	if secret == "" {
		return nil, errs.ErrMissingSecret
	}
	p, err := g.primitive(ctx)
	if err != nil {
		return nil, err
	}

	plain, err := p.Decrypt(strings.TrimSpace(blob), secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryptionFailed, err)
	}
	if plain == "" {
		return nil, errs.ErrDecryptionFailed
	}
	return codec.FromPlaintext(plain), nil
}

// IsCiphertext reports whether text carries the gate's ciphertext prefix.
func IsCiphertext(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), CiphertextPrefix)
}
