package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/Tonytony5278/narc-sub001/models"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for JWT claims
	ClaimsKey contextKey = "claims"
)

// Claims represents verified bearer token claims
type Claims struct {
	Sub  string           `json:"sub"`
	Role models.ActorRole `json:"role"`
	Iss  string           `json:"iss"`
	Exp  int64            `json:"exp"`
	Iat  int64            `json:"iat"`
}

// Actor returns the ledger identity carried by the claims
func (c *Claims) Actor() models.Actor {
	return models.Actor{ID: c.Sub, Role: c.Role}
}

// GetRequestIDFromContext retrieves the request ID from context, falling
// back to the one set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetActorFromContext returns the authenticated actor
func GetActorFromContext(ctx context.Context) (models.Actor, bool) {
	claims := GetClaimsFromContext(ctx)
	if claims == nil {
		return models.Actor{}, false
	}
	return claims.Actor(), true
}

// RequestContextFrom captures provenance for ledger entries. RemoteAddr
// already holds the client address once chi's RealIP has run.
func RequestContextFrom(r *http.Request) *models.RequestContext {
	return &models.RequestContext{
		IPAddress: clientIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
