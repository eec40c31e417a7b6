package app

import (
	"time"

	"github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/auth/providers"
	"github.com/credkit/credkit/internal/services"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// SessionServiceConfig converts AuthConfig into SessionService parameters.
func (c AuthConfig) SessionServiceConfig() auth.SessionConfig {
	ttl := c.Session.RefreshTTL
	if ttl <= 0 {
		ttl = auth.DefaultRefreshTokenTTL
	}

	length := c.Session.RefreshLength
	if length <= 0 {
		length = 48
	}

	return auth.SessionConfig{
		RefreshTokenTTL: ttl,
		RefreshLength:   length,
	}
}

// PurposeTokenServiceConfig converts AuthConfig into PurposeTokenService
// parameters. Purpose tokens share the JWT signing secret and issuer.
func (c AuthConfig) PurposeTokenServiceConfig() auth.PurposeTokenConfig {
	return auth.PurposeTokenConfig{
		Secret: c.JWT.Secret,
		Issuer: c.JWT.Issuer,
	}
}

// LocalProviderConfig converts AuthConfig into LocalProvider parameters.
func (c AuthConfig) LocalProviderConfig() providers.LocalConfig {
	duration := c.Local.LockoutDuration
	if duration <= 0 {
		duration = defaultLockoutDuration
	}

	threshold := c.Local.LockoutThreshold
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}

	return providers.LocalConfig{
		LockoutThreshold: threshold,
		LockoutDuration:  duration,
	}
}

// GoogleProviderConfig converts the Google settings into provider parameters.
func (c AuthConfig) GoogleProviderConfig() providers.GoogleConfig {
	return providers.GoogleConfig{
		ClientID: c.Providers.Google.ClientID,
	}
}

// FacebookProviderConfig converts the Facebook settings into provider parameters.
func (c AuthConfig) FacebookProviderConfig() providers.FacebookConfig {
	return providers.FacebookConfig{
		GraphURL: c.Providers.Facebook.GraphURL,
	}
}

// MicrosoftProviderConfig converts the Microsoft settings into provider parameters.
func (c AuthConfig) MicrosoftProviderConfig() providers.MicrosoftConfig {
	return providers.MicrosoftConfig{
		ClientID:     c.Providers.Microsoft.ClientID,
		ClientSecret: c.Providers.Microsoft.ClientSecret,
		TenantID:     c.Providers.Microsoft.TenantID,
		RedirectURL:  c.Providers.Microsoft.RedirectURL,
	}
}

// AccountServiceOptions converts the token settings into AccountService options.
func (c AuthConfig) AccountServiceOptions() []services.AccountOption {
	opts := make([]services.AccountOption, 0, 4)
	if c.Tokens.VerificationTTL > 0 {
		opts = append(opts, services.WithVerificationTTL(c.Tokens.VerificationTTL))
	}
	if c.Tokens.ResetTTL > 0 {
		opts = append(opts, services.WithResetTTL(c.Tokens.ResetTTL))
	}
	if c.Tokens.VerificationURL != "" {
		opts = append(opts, services.WithVerificationURL(c.Tokens.VerificationURL))
	}
	if c.Tokens.ResetURL != "" {
		opts = append(opts, services.WithResetURL(c.Tokens.ResetURL))
	}
	return opts
}
