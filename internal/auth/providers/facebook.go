package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultFacebookGraphURL = "https://graph.facebook.com/v18.0"

// FacebookConfig carries the settings required to validate Facebook access tokens.
type FacebookConfig struct {
	GraphURL   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// FacebookProvider validates a user-supplied access token by fetching the
// profile it grants from the Graph API.
type FacebookProvider struct {
	graphURL   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewFacebookProvider builds a provider with sane defaults.
func NewFacebookProvider(cfg FacebookConfig) *FacebookProvider {
	graphURL := strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	if graphURL == "" {
		graphURL = defaultFacebookGraphURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &FacebookProvider{
		graphURL:   graphURL,
		httpClient: cfg.HTTPClient,
		timeout:    timeout,
	}
}

func (p *FacebookProvider) Name() string { return "facebook" }

// Exchange fetches the /me document with the supplied access token. A token
// the Graph API rejects yields ErrInvalidExternalToken.
func (p *FacebookProvider) Exchange(ctx context.Context, accessToken string) (*Identity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrInvalidExternalToken
	}

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	endpoint := fmt.Sprintf("%s/me?fields=%s", p.graphURL, url.QueryEscape("id,email,first_name,last_name"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("facebook provider: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facebook provider: graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facebook provider: graph returned %d: %w", resp.StatusCode, ErrInvalidExternalToken)
	}

	var payload struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("facebook provider: decode profile: %w", err)
	}
	if payload.ID == "" {
		return nil, ErrInvalidExternalToken
	}

	return &Identity{
		Provider:      "facebook",
		Subject:       payload.ID,
		Email:         strings.ToLower(strings.TrimSpace(payload.Email)),
		EmailVerified: payload.Email != "",
		FirstName:     payload.FirstName,
		LastName:      payload.LastName,
	}, nil
}
