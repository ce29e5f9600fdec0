// Package auth validates the compact signed tokens presented by clients at
// WebSocket handshake time.
//
// Tokens are three base64url-encoded parts separated by '.': header, payload,
// signature. The signature is HMAC-SHA256 over "header.payload" using a
// shared secret, verified with constant-time comparison (the jwt/v5 library
// does this internally for HMAC methods). Expiry is the exp claim; if it is
// absent, the fallback is iat + MAX_AGE. After signature and expiry checks,
// the payload is schema-validated (non-empty subject), and finally a
// revocation set in Redis is checked. A Redis error on the revocation check
// fails closed: the token is treated as invalid rather than valid.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims represents custom JWT claims used for authentication.
// It embeds jwt.RegisteredClaims and adds a Scope field to specify the user's access scope.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// RevocationChecker abstracts the Redis-backed revoked-token set so the
// validator can be unit tested without a live Redis instance.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// Validator verifies compact HMAC-SHA256 signed tokens against a shared secret.
type Validator struct {
	secret     []byte
	maxAge     time.Duration
	revocation RevocationChecker
}

// NewValidator creates a Validator. secret must be at least 32 bytes.
// maxAge is the expiry fallback applied when a token carries no exp claim.
// revocation may be nil, in which case the revocation check is skipped
// (single-instance dev mode, or unit tests).
func NewValidator(secret string, maxAge time.Duration, revocation RevocationChecker) (*Validator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Validator{secret: []byte(secret), maxAge: maxAge, revocation: revocation}, nil
}

// ValidateToken parses, verifies, and checks revocation for tokenString.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	if err := v.checkExpiry(claims); err != nil {
		return nil, err
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token missing subject claim")
	}

	if v.revocation != nil {
		hash := HashToken(tokenString)
		revoked, err := v.revocation.IsRevoked(context.Background(), hash)
		if err != nil {
			// Fail closed: an unreachable revocation store must not grant access.
			return nil, fmt.Errorf("revocation check failed: %w", err)
		}
		if revoked {
			return nil, errors.New("token has been revoked")
		}
	}

	return claims, nil
}

// checkExpiry enforces exp, falling back to iat + maxAge when exp is absent.
func (v *Validator) checkExpiry(claims *CustomClaims) error {
	now := time.Now()

	if claims.ExpiresAt != nil {
		if now.After(claims.ExpiresAt.Time) {
			return errors.New("token is expired")
		}
		return nil
	}

	if claims.IssuedAt == nil {
		return errors.New("token has neither exp nor iat; cannot determine validity window")
	}
	if now.After(claims.IssuedAt.Time.Add(v.maxAge)) {
		return errors.New("token is expired (iat + max age fallback)")
	}
	return nil
}

// HashToken derives the revocation-set key for a token, so the raw token
// string is never itself stored or logged.
func HashToken(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}

func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		// Provide sensible defaults for local development if the env var isn't set.
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only token validator that accepts any token
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	// For development, parse the JWT token to extract the real 'sub' claim
	// This ensures the clientId matches between frontend and backend
	var subject, name, email string

	// Parse JWT token (format: header.payload.signature)
	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		// Decode the payload (base64 URL encoded)
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
			}
		}
	}

	// Fallback to default if parsing failed
	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &CustomClaims{
		Name:  name,
		Email: email,
	}
	claims.Subject = subject
	return claims, nil
}
