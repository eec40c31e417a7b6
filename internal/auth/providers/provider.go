package providers

import (
	"context"
	"errors"
)

// ErrInvalidExternalToken is returned when a social credential cannot be
// verified with the issuing provider.
var ErrInvalidExternalToken = errors.New("auth: invalid external token")

// Identity represents the verified claims returned by an external identity
// provider.
type Identity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
}

// Provider exchanges a provider-specific credential (an ID token, an access
// token or an authorization code depending on the implementation) for a
// verified identity.
type Provider interface {
	Name() string
	Exchange(ctx context.Context, credential string) (*Identity, error)
}
