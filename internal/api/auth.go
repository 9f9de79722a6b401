package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role constants for the operator API.
const (
	// RoleViewer grants read access: status and telemetry.
	RoleViewer = "viewer"

	// RoleController grants viewer access plus control actions.
	RoleController = "controller"
)

// Claims are the verified bearer-token claims.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the claims carry the role. Controller implies
// viewer.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
		if role == RoleViewer && r == RoleController {
			return true
		}
	}
	return false
}

type contextKey string

// claimsKey stores verified claims in the request context.
const claimsKey contextKey = "claims"

// ClaimsFromContext returns the verified claims, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// AuthMiddleware verifies HS256 bearer tokens and enforces roles. An empty
// secret disables verification entirely (demo mode).
type AuthMiddleware struct {
	secret string
}

// NewAuthMiddleware creates the middleware. secret may be empty.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: secret}
}

// Enabled reports whether token verification is active.
func (m *AuthMiddleware) Enabled() bool {
	return m.secret != ""
}

// Require wraps a handler with bearer-token verification and a role check.
func (m *AuthMiddleware) Require(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next(w, r)
			return
		}

		token, err := extractBearerToken(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}

		claims, err := m.verifyToken(token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}

		if !claims.HasRole(role) {
			WriteError(w, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("role %q required", role))
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// verifyToken parses and validates an HS256 token.
func (m *AuthMiddleware) verifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	mapClaims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	sub, ok := (*mapClaims)["sub"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	rawRoles, ok := (*mapClaims)["roles"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'roles' claim")
	}
	roles := make([]string, 0, len(rawRoles))
	for _, raw := range rawRoles {
		role, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("invalid 'roles' claim: not a string array")
		}
		if role != RoleViewer && role != RoleController {
			return nil, fmt.Errorf("unknown role: %q", role)
		}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("empty 'roles' claim")
	}

	return &Claims{Subject: sub, Roles: roles}, nil
}

// extractBearerToken pulls the token from the Authorization header.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("malformed Authorization header")
	}
	return parts[1], nil
}
