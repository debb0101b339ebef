package jwt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noterelay/internal/app/user"
)

const testSecret = "test-secret"

var alice = user.User{ID: "alice", Email: "alice@example.com", DisplayName: "Alice"}

func TestHMACVerifierRoundTrip(t *testing.T) {
	token, err := GenerateToken(alice, testSecret, time.Minute)
	require.NoError(t, err)

	got, err := NewHMACVerifier(testSecret, TokenIssuer, "").Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func TestHMACVerifierRejects(t *testing.T) {
	valid, err := GenerateToken(alice, testSecret, time.Minute)
	require.NoError(t, err)

	expiredClaims := &Payload{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Payload{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		verifier *HMACVerifier
	}{
		{"garbage", "not-a-jwt", NewHMACVerifier(testSecret, "", "")},
		{"wrong secret", valid, NewHMACVerifier("other", "", "")},
		{"wrong issuer", valid, NewHMACVerifier(testSecret, "someone-else", "")},
		{"wrong audience", valid, NewHMACVerifier(testSecret, "", "notes-app")},
		{"expired", expired, NewHMACVerifier(testSecret, "", "")},
		{"missing subject", noSubject, NewHMACVerifier(testSecret, "", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.verifier.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", BearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(req))
}

func TestRequireIdentity(t *testing.T) {
	v := NewHMACVerifier(testSecret, "", "")
	var seen user.User

	h := RequireIdentity(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/online-users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := GenerateToken(alice, testSecret, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/online-users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", seen.ID)
}
