// Package httpapi wires the store-backed components (signing, audit,
// idempotency, policy, upgrade, ledger) behind a chi router, following
// the routing/middleware layering of the reference gateway and the
// bearer-claims principal pattern of the reference OTC service's auth
// package, trimmed to what a single trusted-edge service needs: this
// core trusts a principal resolved from a bearer token, not a full
// OIDC/mTLS handshake performed upstream.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"sentinelcore/httperr"
)

// Role enumerates the RBAC roles this service recognizes.
type Role string

const (
	RoleOperator         Role = "operator"
	RoleApprover         Role = "approver"
	RoleAuditor          Role = "auditor"
	RoleLedger           Role = "ledger-writer"
	RoleReadOnly         Role = "readonly"
	RoleSecurityEngineer Role = "security-engineer"
	RoleSuperAdmin       Role = "super-admin"
)

// Principal is the authenticated caller resolved from a bearer JWT.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries any of the given roles.
func (p Principal) HasRole(roles ...Role) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == string(want) {
				return true
			}
		}
	}
	return false
}

type principalContextKey struct{}

// PrincipalFromContext extracts the Principal a successful Authenticator
// run attached to the request context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// Authenticator verifies the bearer token's HMAC signature and attaches
// the resolved Principal to the request context.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator constructs an Authenticator from the shared JWT
// signing secret (JWT_SIGNING_SECRET).
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without a valid bearer token and attaches
// the resolved Principal for downstream RequireRole checks.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httperr.Write(w, httperr.Unauthenticated("missing bearer token"))
			return
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil || !parsed.Valid {
			httperr.Write(w, httperr.Unauthenticated("invalid bearer token"))
			return
		}

		subject, _ := claims.GetSubject()
		if subject == "" {
			httperr.Write(w, httperr.Unauthenticated("token missing subject"))
			return
		}

		principal := Principal{Subject: subject, Roles: roleClaims(claims)}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func roleClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// RequireRole rejects any request whose principal does not carry one of
// the given roles. Must run after Authenticator.Middleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				httperr.Write(w, httperr.Unauthenticated("no authenticated principal"))
				return
			}
			if !principal.HasRole(roles...) {
				httperr.Write(w, httperr.Forbidden("principal lacks required role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
