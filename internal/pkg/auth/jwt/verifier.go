package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"noterelay/internal/app/user"
	"noterelay/internal/pkg/logx"
)

// Verifier validates a bearer credential and returns the identity it asserts.
type Verifier interface {
	Verify(ctx context.Context, token string) (user.User, error)
}

// HMACVerifier verifies HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewHMACVerifier returns a verifier for tokens signed with secret. Empty issuer or
// audience disables that check.
func NewHMACVerifier(secret, issuer, audience string) *HMACVerifier {
	return &HMACVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(ctx context.Context, token string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}

	keyFunc := func(*jwt.Token) (any, error) { return v.secret, nil }

	opts := claimOptions(v.issuer, v.audience)
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	claims, err := parseToken(token, keyFunc, opts...)
	if err != nil {
		return user.User{}, err
	}

	return claims.User(), nil
}

// JWKSVerifier verifies asymmetric tokens against a remote JSON Web Key Set,
// such as the one published by an OpenID Connect identity provider.
type JWKSVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

// NewJWKSVerifier fetches the key set at jwksURL and keeps it refreshed in the background.
func NewJWKSVerifier(jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	logger := logx.Component("jwks")

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               context.Background(),
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Error().Err(err).Str("jwks_url", jwksURL).Msg("JWKS refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", jwksURL, err)
	}

	logger.Info().Str("jwks_url", jwksURL).Msg("JWKS loaded")

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Verify implements Verifier.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}

	opts := claimOptions(v.issuer, v.audience)
	opts = append(opts, jwt.WithValidMethods([]string{"RS256", "ES256"}))

	claims, err := parseToken(token, v.jwks.Keyfunc, opts...)
	if err != nil {
		return user.User{}, err
	}

	return claims.User(), nil
}

// Close stops the background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

func claimOptions(issuer, audience string) []jwt.ParserOption {
	var opts []jwt.ParserOption
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}
