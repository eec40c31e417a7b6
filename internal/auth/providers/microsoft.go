package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const defaultMicrosoftGraphURL = "https://graph.microsoft.com/v1.0"

// MicrosoftConfig carries the settings required for the Microsoft
// authorization-code flow.
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURL  string
	GraphURL     string

	// Endpoint overrides the Azure AD endpoint, used by tests.
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
	Timeout    time.Duration
}

// MicrosoftProvider exchanges an authorization code for an access token and
// resolves the signed-in account via the Graph API.
type MicrosoftProvider struct {
	oauth      *oauth2.Config
	graphURL   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewMicrosoftProvider builds a provider for the given Azure AD application.
func NewMicrosoftProvider(cfg MicrosoftConfig) (*MicrosoftProvider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("microsoft provider: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("microsoft provider: client secret is required")
	}

	tenant := strings.TrimSpace(cfg.TenantID)
	if tenant == "" {
		tenant = "common"
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = microsoft.AzureADEndpoint(tenant)
	}

	graphURL := strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	if graphURL == "" {
		graphURL = defaultMicrosoftGraphURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &MicrosoftProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "profile", "email"},
		},
		graphURL:   graphURL,
		httpClient: cfg.HTTPClient,
		timeout:    timeout,
	}, nil
}

func (p *MicrosoftProvider) Name() string { return "microsoft" }

// AuthorizationURL returns the consent URL the client should redirect the
// user to.
func (p *MicrosoftProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query"))
}

// Exchange redeems the authorization code and fetches the account profile
// from the Graph API.
func (p *MicrosoftProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalidExternalToken
	}

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("microsoft provider: exchange code: %w", ErrInvalidExternalToken)
	}

	client := p.oauth.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.graphURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("microsoft provider: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("microsoft provider: graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("microsoft provider: graph returned %d: %w", resp.StatusCode, ErrInvalidExternalToken)
	}

	var payload struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		GivenName         string `json:"givenName"`
		Surname           string `json:"surname"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("microsoft provider: decode profile: %w", err)
	}
	if payload.ID == "" {
		return nil, ErrInvalidExternalToken
	}

	email := payload.Mail
	if email == "" {
		email = payload.UserPrincipalName
	}

	return &Identity{
		Provider:      "microsoft",
		Subject:       payload.ID,
		Email:         strings.ToLower(strings.TrimSpace(email)),
		EmailVerified: email != "",
		FirstName:     payload.GivenName,
		LastName:      payload.Surname,
	}, nil
}
