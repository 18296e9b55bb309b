// Package auth resolves the calling actor from a bearer JWT. Tokens are either
// HS256 signed with a shared secret or verified against a JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const defaultLeeway = 30 * time.Second

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the token claims goentitle reads. The subject is the acting
// user; OrgID, when present, selects the organization the user acts for.
type Claims struct {
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Actor maps the claims to the principal the request acts on.
func (c *Claims) Actor() goentitle.Actor {
	if c.OrgID != "" {
		return goentitle.Actor{Principal: goentitle.Organization(c.OrgID), UserID: c.Subject}
	}
	return goentitle.IndividualActor(c.Subject)
}

// Verifier validates bearer tokens.
type Verifier struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
}

// NewHMACVerifier verifies HS256 tokens signed with secret. Empty issuer or
// audience skip that check.
func NewHMACVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth secret must be set")
	}
	key := append([]byte(nil), secret...)
	return &Verifier{
		parser: newParser(issuer, audience, jwt.SigningMethodHS256.Name),
		keyfunc: func(*jwt.Token) (interface{}, error) {
			return key, nil
		},
	}, nil
}

// NewJWKSVerifier verifies RS256/RS384/RS512 tokens against the keys served
// at jwksURL. Keys are refreshed in the background.
func NewJWKSVerifier(jwksURL, issuer, audience string) (*Verifier, error) {
	if strings.TrimSpace(jwksURL) == "" {
		return nil, errors.New("jwks url must be set")
	}
	provider, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("init JWKS keyfunc: %w", err)
	}
	return &Verifier{
		parser: newParser(issuer, audience,
			jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name),
		keyfunc: provider.Keyfunc,
	}, nil
}

func newParser(issuer, audience string, methods ...string) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return jwt.NewParser(opts...)
}

// Verify parses and validates a token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: token missing sub", ErrInvalidToken)
	}
	return claims, nil
}

// IssueToken signs an HS256 token for userID, optionally acting for orgID.
// An empty audience leaves the aud claim unset.
// It is meant for service-to-service calls and local development.
func IssueToken(secret []byte, issuer, audience, userID, orgID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	if len(secret) == 0 {
		return "", errors.New("auth secret must be set")
	}
	now := time.Now().UTC()
	claims := Claims{
		OrgID: strings.TrimSpace(orgID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  audienceClaim(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

type contextKey struct{}

// WithClaims stores verified claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok && c != nil
}

func audienceClaim(audience string) jwt.ClaimStrings {
	if audience == "" {
		return nil
	}
	return jwt.ClaimStrings{audience}
}
