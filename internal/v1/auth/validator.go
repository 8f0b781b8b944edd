package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrSubjectMismatch is returned when the uid claimed at handshake does not
// match the token subject.
var ErrSubjectMismatch = errors.New("claimed uid does not match token subject")

// CustomClaims represents the JWT claims used for authentication.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity bound to a connection at handshake.
type Principal struct {
	UserID   string
	Username string
	Email    string
}

// DisplayName derives the name shown to other players: the token name when
// present, otherwise the email local part, otherwise the subject.
func (c *CustomClaims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Email != "" {
		if at := strings.IndexByte(c.Email, '@'); at > 0 {
			return c.Email[:at]
		}
	}
	return c.Subject
}

// Validator verifies bearer tokens against an Auth0-style JWKS endpoint.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator creates a Validator backed by the domain's JWKS endpoint.
// The JWKS is cached and refreshed hourly; the initial fetch verifies
// connectivity so misconfiguration fails at startup, not at the first login.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and validates a JWT token string using the configured
// key function, issuer, and audience.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return claims, nil
}

// VerifyToken validates the bearer token and binds it to the uid the client
// claimed at handshake. Both must be present and agree; the resulting
// Principal is the connection's identity for its whole lifetime.
func (v *Validator) VerifyToken(tokenString, claimedUserID string) (*Principal, error) {
	if tokenString == "" || claimedUserID == "" {
		return nil, errors.New("token and uid are required")
	}

	claims, err := v.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Subject != claimedUserID {
		return nil, ErrSubjectMismatch
	}

	return &Principal{
		UserID:   claims.Subject,
		Username: claims.DisplayName(),
		Email:    claims.Email,
	}, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only validator that trusts the token payload
// without verifying its signature. It still enforces the subject binding so
// dev behavior matches production.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var subject, name, email string

	// Parse JWT token (format: header.payload.signature)
	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
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

func (m *MockValidator) VerifyToken(tokenString, claimedUserID string) (*Principal, error) {
	if tokenString == "" || claimedUserID == "" {
		return nil, errors.New("token and uid are required")
	}

	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Subject != claimedUserID {
		return nil, ErrSubjectMismatch
	}

	return &Principal{
		UserID:   claims.Subject,
		Username: claims.DisplayName(),
		Email:    claims.Email,
	}, nil
}
