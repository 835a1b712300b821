// Package credential supplies the capability the engine needs before it
// touches the storage network or the relay.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/snapfolder/pkg/errs"
)

// Credential is either a bearer token or an address+signature pair.
type Credential struct {
	Bearer    string
	Address   string
	Signature string
}

// Usable reports whether the credential can authorize a request. JWT
// bearers are checked for expiry without verifying the signature; opaque
// bearers are accepted as-is.
func (c Credential) Usable() bool {
	if c.Bearer != "" {
		return !bearerExpired(c.Bearer, time.Now())
	}
	return c.Address != "" && c.Signature != ""
}

func bearerExpired(token string, now time.Time) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.After(now)
}

// Subject returns the JWT subject of a bearer credential, if any.
func (c Credential) Subject() string {
	if c.Bearer == "" {
		return ""
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Bearer, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Expiry returns the expiry of a JWT bearer credential, or the zero time.
func (c Credential) Expiry() time.Time {
	claims := jwt.RegisteredClaims{}
	if c.Bearer == "" {
		return time.Time{}
	}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Bearer, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Provider returns the current credential.
type Provider interface {
	Credential() (Credential, error)
}

// Require returns the provider's credential, or ErrCredentialMissing when
// there is none or it is not usable. A nil provider never gates.
func Require(p Provider) (Credential, error) {
	if p == nil {
		return Credential{}, nil
	}
	c, err := p.Credential()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", errs.ErrCredentialMissing, err)
	}
	if !c.Usable() {
		return Credential{}, errs.ErrCredentialMissing
	}
	return c, nil
}

// Static always returns the same credential.
type Static Credential

// Credential implements Provider.
func (s Static) Credential() (Credential, error) {
	return Credential(s), nil
}

// FromEnv reads <prefix>TOKEN, <prefix>ADDRESS and <prefix>SIGNATURE.
func FromEnv(prefix string) Static {
	return Static{
		Bearer:    os.Getenv(prefix + "TOKEN"),
		Address:   os.Getenv(prefix + "ADDRESS"),
		Signature: os.Getenv(prefix + "SIGNATURE"),
	}
}

// TokenFileData is a saved authentication token.
type TokenFileData struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Server    string    `json:"server"`
	Owner     string    `json:"owner"`
}

// IsExpired returns true if the token has expired (with optional margin).
func (t *TokenFileData) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// TokenFile reads a bearer credential from a JSON token file on every call.
type TokenFile struct {
	Path string
}

// Credential implements Provider.
func (f TokenFile) Credential() (Credential, error) {
	tf, err := LoadTokenFile(f.Path)
	if err != nil {
		return Credential{}, err
	}
	if tf.IsExpired(0) {
		return Credential{}, errors.New("saved token expired")
	}
	return Credential{Bearer: tf.Token}, nil
}

// LoadTokenFile loads a saved token from path.
func LoadTokenFile(path string) (*TokenFileData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFileData
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tf, nil
}

// SaveTokenFile writes a token file readable only by the current user.
func SaveTokenFile(path string, tf *TokenFileData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Chain returns the first usable credential from providers.
type Chain []Provider

// Credential implements Provider.
func (c Chain) Credential() (Credential, error) {
	var lastErr error
	for _, p := range c {
		cred, err := p.Credential()
		if err != nil {
			lastErr = err
			continue
		}
		if cred.Usable() {
			return cred, nil
		}
	}
	if lastErr != nil {
		return Credential{}, lastErr
	}
	return Credential{}, errs.ErrCredentialMissing
}
