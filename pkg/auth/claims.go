package auth

import (
	"fmt"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"google.golang.org/api/idtoken"
)

// Claims are the few identity fields readable from a compact signed token
// without verifying it. They are for display pre-fill only.
type Claims struct {
	Subject string
	Name    string
	Email   string
	Expiry  time.Time
}

// User returns the claims as a display record.
func (c Claims) User() model.User {
	return model.User{ID: c.Subject, Name: c.Name, Email: c.Email}
}

// DecodeClaims reads the payload of a three-part signed token. The signature
// is not checked; never use the result as proof of identity.
func DecodeClaims(credential string) (Claims, error) {
	payload, err := idtoken.ParsePayload(credential)
	if err != nil {
		return Claims{}, fmt.Errorf("could not decode credential payload: %w", err)
	}
	c := Claims{Subject: payload.Subject}
	if payload.Expires > 0 {
		c.Expiry = time.Unix(payload.Expires, 0)
	}
	if v, ok := payload.Claims["name"].(string); ok {
		c.Name = v
	}
	if v, ok := payload.Claims["email"].(string); ok {
		c.Email = v
	}
	return c, nil
}
