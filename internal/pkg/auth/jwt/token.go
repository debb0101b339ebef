package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"noterelay/internal/app/user"
)

const (
	// DefaultTokenExpiration is used by GenerateToken when no duration is given.
	DefaultTokenExpiration = time.Hour

	// TokenIssuer identifies tokens minted by this service.
	TokenIssuer = "noterelay"
)

// ErrInvalidToken is returned for any credential that fails verification.
var ErrInvalidToken = errors.New("invalid or expired token")

// GenerateToken creates and signs an HS256 identity token for u.
// Production deployments verify tokens minted by the identity provider; this is used by
// development tooling and tests.
func GenerateToken(u user.User, secretKey string, duration time.Duration) (string, error) {
	if duration <= 0 {
		duration = DefaultTokenExpiration
	}

	now := time.Now()

	payload := &Payload{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
		Email:   u.Email,
		Name:    u.DisplayName,
		Picture: u.PhotoURL,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)

	return token.SignedString([]byte(secretKey))
}

// parseToken parses and validates tokenString with keyFunc and the given parser options.
func parseToken(tokenString string, keyFunc jwt.Keyfunc, opts ...jwt.ParserOption) (*Payload, error) {
	claims := &Payload{}

	opts = append(opts, jwt.WithExpirationRequired())

	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}
