// Package auth verifies HMAC-signed bearer tokens and maps them to ledger actors.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tonytony5278/narc-sub001/middleware"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidRole is returned when the role claim is missing or unknown
	ErrInvalidRole = errors.New("invalid role claim")

	// ErrNotConfigured is returned by a validator without a secret
	ErrNotConfigured = errors.New("authentication not configured")
)

// Claims are the token claims issued to pharmacovigilance staff
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Config holds configuration for HMACValidator
type Config struct {
	Secret   []byte
	Issuer   string // Checked when non-empty
	Audience string // Checked when non-empty
	Leeway   time.Duration
}

// HMACValidator validates HS256 tokens
type HMACValidator struct {
	cfg    Config
	parser *jwt.Parser
}

// NewHMACValidator creates a new validator
func NewHMACValidator(cfg Config) *HMACValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &HMACValidator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// ValidateToken verifies the signature and registered claims and returns the actor claims
func (v *HMACValidator) ValidateToken(_ context.Context, tokenString string) (*middleware.Claims, error) {
	if len(v.cfg.Secret) == 0 {
		return nil, ErrNotConfigured
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	role := models.ActorRole(claims.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}

	out := &middleware.Claims{
		Sub:  claims.Subject,
		Role: role,
		Iss:  claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out.Iat = claims.IssuedAt.Unix()
	}
	return out, nil
}

// Sign issues a token for subject with role, valid for ttl. Used by operator
// tooling and tests.
func (v *HMACValidator) Sign(subject string, role models.ActorRole, ttl time.Duration) (string, error) {
	if len(v.cfg.Secret) == 0 {
		return "", ErrNotConfigured
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
}
