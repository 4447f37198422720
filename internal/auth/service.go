package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/dkod-io/dkod-engine/internal/config"
)

// Sentinel errors for the auth package.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrExchangeDisabled   = errors.New("auth: token exchange disabled")
)

// argon2id parameters following OWASP recommendations.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Service issues and validates agent tokens. In "shared" and "dual"
// modes it also exchanges the deployment-wide agent secret for a
// short-lived JWT. The secret is held only as an argon2id hash; the
// plaintext is dropped at construction.
type Service struct {
	mode     string
	secret   string
	issuer   string
	tokenTTL time.Duration

	agentSecretHash string
}

// NewService creates an auth service from config.
func NewService(cfg config.AuthConfig) (*Service, error) {
	s := &Service{
		mode:     cfg.Mode,
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
	}

	if cfg.Mode != "jwt" {
		hash, err := hashSecret(cfg.AgentSecret)
		if err != nil {
			return nil, fmt.Errorf("auth.NewService: %w", err)
		}
		s.agentSecretHash = hash
	}

	return s, nil
}

// Issue mints a token for an agent. A non-positive ttl falls back to
// the configured default.
func (s *Service) Issue(agentID, scope string, ttl time.Duration) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("auth.Issue: %w", ErrInvalidCredentials)
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}

	token, err := IssueToken(s.secret, s.issuer, agentID, scope, ttl)
	if err != nil {
		return "", fmt.Errorf("auth.Issue: %w", err)
	}

	return token, nil
}

// Validate checks a token and returns its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims, err := ValidateToken(s.secret, s.issuer, tokenString)
	if err != nil {
		return nil, fmt.Errorf("auth.Validate: %w", err)
	}

	return claims, nil
}

// TokenTTL returns the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// ExchangeAgentSecret trades the shared agent secret for an agent-scoped
// token. Disabled in "jwt" mode. Exchanged tokens always carry the
// agent scope; admin tokens are minted out of band.
func (s *Service) ExchangeAgentSecret(agentID, secret string) (token string, expiresAt time.Time, err error) {
	if s.mode == "jwt" {
		return "", time.Time{}, fmt.Errorf("auth.ExchangeAgentSecret: %w", ErrExchangeDisabled)
	}

	if agentID == "" || !verifySecret(secret, s.agentSecretHash) {
		return "", time.Time{}, fmt.Errorf("auth.ExchangeAgentSecret: %w", ErrInvalidCredentials)
	}

	expiresAt = time.Now().Add(s.tokenTTL)

	token, err = IssueToken(s.secret, s.issuer, agentID, ScopeAgent, s.tokenTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth.ExchangeAgentSecret: %w", err)
	}

	return token, expiresAt, nil
}

// hashSecret generates an argon2id hash with a random salt.
// Format: hex(salt) + "$" + hex(hash)
func hashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(hash), nil
}

// verifySecret checks a secret against an argon2id hash.
func verifySecret(secret, encoded string) bool {
	// Split salt$hash
	var saltHex, hashHex string
	for i := range len(encoded) {
		if encoded[i] == '$' {
			saltHex = encoded[:i]
			hashHex = encoded[i+1:]
			break
		}
	}

	if saltHex == "" || hashHex == "" {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	// Constant-time comparison to prevent timing attacks.
	if len(computed) != len(expectedHash) {
		return false
	}

	var diff byte
	for i := range computed {
		diff |= computed[i] ^ expectedHash[i]
	}

	return diff == 0
}
