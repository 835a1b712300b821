package credential

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/snapfolder/pkg/errs"
)

func signed(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func TestUsable(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"empty", Credential{}, false},
		{"opaque bearer", Credential{Bearer: "abc123"}, true},
		{"valid jwt", Credential{Bearer: signed(t, "alice", time.Now().Add(time.Hour))}, true},
		{"expired jwt", Credential{Bearer: signed(t, "alice", time.Now().Add(-time.Hour))}, false},
		{"address and signature", Credential{Address: "0xabc", Signature: "0xsig"}, true},
		{"address only", Credential{Address: "0xabc"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Usable())
		})
	}
}

func TestSubject(t *testing.T) {
	c := Credential{Bearer: signed(t, "alice", time.Now().Add(time.Hour))}
	assert.Equal(t, "alice", c.Subject())
	assert.Equal(t, "", Credential{Bearer: "opaque"}.Subject())
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c := Credential{Bearer: signed(t, "alice", exp)}
	assert.True(t, exp.Equal(c.Expiry()))
	assert.True(t, Credential{Bearer: "opaque"}.Expiry().IsZero())
	assert.True(t, Credential{}.Expiry().IsZero())
}

func TestRequire(t *testing.T) {
	_, err := Require(Static{})
	assert.ErrorIs(t, err, errs.ErrCredentialMissing)

	c, err := Require(Static{Bearer: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Bearer)

	_, err = Require(nil)
	assert.NoError(t, err)

	_, err = Require(TokenFile{Path: filepath.Join(t.TempDir(), "missing.json")})
	assert.ErrorIs(t, err, errs.ErrCredentialMissing)
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token.json")

	require.NoError(t, SaveTokenFile(path, &TokenFileData{
		Token:     "saved",
		ExpiresAt: time.Now().Add(time.Hour),
		Owner:     "alice",
	}))
	c, err := TokenFile{Path: path}.Credential()
	require.NoError(t, err)
	assert.Equal(t, "saved", c.Bearer)

	require.NoError(t, SaveTokenFile(path, &TokenFileData{
		Token:     "old",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	_, err = TokenFile{Path: path}.Credential()
	assert.Error(t, err)
}

func TestFromEnvAndChain(t *testing.T) {
	t.Setenv("SF_TOKEN", "")
	t.Setenv("SF_ADDRESS", "0xabc")
	t.Setenv("SF_SIGNATURE", "0xsig")

	env := FromEnv("SF_")
	assert.True(t, Credential(env).Usable())

	c, err := Chain{Static{}, env}.Credential()
	require.NoError(t, err)
	assert.Equal(t, "0xabc", c.Address)

	_, err = Chain{Static{}}.Credential()
	assert.ErrorIs(t, err, errs.ErrCredentialMissing)
}
