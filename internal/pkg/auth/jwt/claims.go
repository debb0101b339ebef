package jwt

import (
	"github.com/golang-jwt/jwt/v5"

	"noterelay/internal/app/user"
)

// Payload defines the JWT claims the relay reads from an identity token.
// The layout follows common OpenID Connect ID tokens: the subject is the user id,
// and email, name and picture describe the user.
type Payload struct {
	jwt.RegisteredClaims

	// Email is the user's email address.
	Email string `json:"email"`

	// Name is the display name.
	Name string `json:"name,omitempty"`

	// Picture is the avatar URL.
	Picture string `json:"picture,omitempty"`
}

// User converts the claims into the relay's identity.
func (p *Payload) User() user.User {
	return user.User{
		ID:          p.Subject,
		Email:       p.Email,
		DisplayName: p.Name,
		PhotoURL:    p.Picture,
	}
}
