/*
Package user contains the identity of an authenticated relay participant.
*/
package user

// User is the identity returned by the identity verifier for one bearer credential.
type User struct {
	// ID is the stable user identifier issued by the identity provider (token subject).
	ID string `json:"id"`

	// Email is the user's email address as asserted by the token.
	Email string `json:"email"`

	// DisplayName is the name shown to collaborators.
	DisplayName string `json:"displayName,omitempty"`

	// PhotoURL is the avatar URL shown to collaborators.
	PhotoURL string `json:"photoURL,omitempty"`
}
