package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	a := New("secret", time.Hour)

	tok, exp, err := a.IssueToken("alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := a.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.OwnerID)
	assert.Equal(t, "alice", claims.Subject)
}

func TestIssueToken_RequiresOwner(t *testing.T) {
	_, _, err := New("secret", 0).IssueToken("")
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	a := New("secret", time.Hour)
	tok, _, err := a.IssueToken("alice")
	require.NoError(t, err)

	_, err = New("other", time.Hour).ValidateToken(tok)
	assert.Error(t, err, "wrong secret")

	expired := New("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.IssueToken("alice")
	require.NoError(t, err)
	_, err = a.ValidateToken(old)
	assert.Error(t, err, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{OwnerID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.ValidateToken(unsigned)
	assert.Error(t, err, "alg none")
}

func TestMiddleware(t *testing.T) {
	a := New("secret", time.Hour)
	tok, _, err := a.IssueToken("alice")
	require.NoError(t, err)

	var seen *Claims
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + tok, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/records/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.OwnerID)
}
