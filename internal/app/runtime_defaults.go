package app

import (
	"fmt"
	"strings"

	"github.com/credkit/credkit/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no
// configuration file is supplied. It returns a map describing which keys were
// generated so callers can log the event without exposing values.
//
// A generated JWT secret does not survive restarts, which invalidates issued
// access and purpose tokens. Production deployments should always configure
// an explicit secret.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	return generated, nil
}
