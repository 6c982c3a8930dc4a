package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bryanwahyu/osintscan/internal/config"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/scans"
	ilog "github.com/bryanwahyu/osintscan/internal/log"
)

const (
	ResultsTokenHeader = "X-Results-Token"
	OpsSecretHeader    = "X-Ops-Secret"
	APIKeyHeader       = "X-API-Key"
)

type apiKey struct {
	key       []byte
	principal identity.Principal
}

// Authenticator resolves end-user API keys to principals.
type Authenticator struct {
	keys []apiKey
}

// NewAuthenticator drops keys without a key, a valid workspace or a valid
// user: scans are owned by the user id.
func NewAuthenticator(keys []config.APIKey) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		ws, user := scans.SanitizeID(k.WorkspaceID), scans.SanitizeID(k.UserID)
		if k.Key == "" || ws == "" || user == "" {
			slog.Warn("Ignoring API key without a valid workspace and user.",
				slog.String("workspace_id", k.WorkspaceID), slog.String("user_id", k.UserID))
			continue
		}
		role := identity.RoleMember
		if strings.EqualFold(k.Role, string(identity.RoleAdmin)) {
			role = identity.RoleAdmin
		}
		a.keys = append(a.keys, apiKey{
			key:       []byte(k.Key),
			principal: identity.Principal{UserID: user, TenantID: ws, Role: role},
		})
	}
	return a
}

// bearer extracts the end-user key from Authorization or X-API-Key.
func bearer(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return auth
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// lookup compares against every key so timing does not reveal a match position.
func (a *Authenticator) lookup(presented string) (identity.Principal, bool) {
	var (
		found bool
		p     identity.Principal
	)
	if presented == "" {
		return p, false
	}
	b := []byte(presented)
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(b, k.key) == 1 && !found {
			found = true
			p = k.principal
		}
	}
	return p, found
}

// RequireUser rejects requests without a valid end-user key and stores the
// principal on the context.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.lookup(bearer(r))
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid API key")
			return
		}
		ctx := identity.WithPrincipal(r.Context(), p)
		ctx = ilog.ContextAttrs(ctx, slog.String("workspace_id", p.TenantID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOpsOrAdmin admits the operational secret or an admin end-user key.
// The operational secret never yields a Principal.
func (a *Authenticator) RequireOpsOrAdmin(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get(OpsSecretHeader); got != "" {
				if !secretMatches(got, secret) {
					WriteError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "invalid operational secret")
					return
				}
				ctx := identity.WithOperator(r.Context(), identity.Operator{Name: "ops"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			p, ok := a.lookup(bearer(r))
			if !ok {
				WriteError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid credentials")
				return
			}
			if !p.Elevated() {
				WriteError(w, r, http.StatusForbidden, CodeForbidden, "admin role required")
				return
			}
			ctx := identity.WithPrincipal(r.Context(), p)
			ctx = identity.WithOperator(ctx, identity.Operator{Name: "admin:" + p.UserID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireResultsToken guards the worker webhook with its shared secret.
// An unset token rejects every delivery.
func RequireResultsToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !secretMatches(r.Header.Get(ResultsTokenHeader), token) {
				WriteError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secretMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
