package network

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const generatedKeyBytes = 32

// Authenticator checks the shared secret presented in a handshake
type Authenticator struct {
	key      []byte
	required bool
	logger   logging.Logger
}

// NewAuthenticator builds an authenticator for the key. When required is false
// every token is accepted, which is meant for trusted networks only.
func NewAuthenticator(key string, required bool, logger logging.Logger) *Authenticator {
	return &Authenticator{
		key:      []byte(key),
		required: required,
		logger:   logger,
	}
}

// GenerateKey returns a random hex-encoded shared secret
func GenerateKey() (string, error) {
	buf := make([]byte, generatedKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("failed to generate network key", err)
	}
	return hex.EncodeToString(buf), nil
}

func (a *Authenticator) Required() bool {
	return a.required
}

func (a *Authenticator) Authenticate(token string) bool {
	if !a.required {
		return true
	}
	if token == "" {
		a.logger.Warnf("Authentication failed: no token provided")
		return false
	}
	if len(a.key) == 0 {
		a.logger.Warnf("Authentication failed: no network key configured")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), a.key) != 1 {
		a.logger.Warnf("Authentication failed: invalid token")
		return false
	}
	return true
}
