package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const googleIssuer = "https://accounts.google.com"

// GoogleConfig carries the settings required to verify Google ID tokens.
type GoogleConfig struct {
	ClientID   string
	Issuer     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// GoogleProvider verifies Google-issued ID tokens against the Google OIDC
// discovery document and extracts the profile claims.
type GoogleProvider struct {
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	timeout    time.Duration
}

// NewGoogleProvider performs OIDC discovery against the Google issuer and
// returns a provider ready to verify ID tokens.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("google provider: client id is required")
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = googleIssuer
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("google provider: discovery failed: %w", err)
	}

	return &GoogleProvider{
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		httpClient: cfg.HTTPClient,
		timeout:    timeout,
	}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

// Exchange verifies the raw ID token and returns the identity it asserts.
func (p *GoogleProvider) Exchange(ctx context.Context, rawIDToken string) (*Identity, error) {
	if strings.TrimSpace(rawIDToken) == "" {
		return nil, ErrInvalidExternalToken
	}

	if p.httpClient != nil {
		ctx = oidc.ClientContext(ctx, p.httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("google provider: verify id token: %w", ErrInvalidExternalToken)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("google provider: decode claims: %w", err)
	}

	return &Identity{
		Provider:      "google",
		Subject:       idToken.Subject,
		Email:         strings.ToLower(strings.TrimSpace(claims.Email)),
		EmailVerified: claims.EmailVerified,
		FirstName:     claims.GivenName,
		LastName:      claims.FamilyName,
	}, nil
}
