package auth

import (
	"context"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/kit"
)

type claimsKey struct{}

// Error codes written by the enforcement middlewares, shaped like the
// call envelope so clients parse one format everywhere.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

// Middleware extracts caller identity from the Authorization Bearer
// header (JWT) or the X-API-Key header (keystore), in that order. On
// success the claims land in the request context along with the kit
// user id and role. Missing or invalid credentials pass through
// unauthenticated; enforcement is RequireAuth's job, so open routes
// and guarded routes share one extraction pass.
//
// keys may be nil when only JWTs are accepted.
func Middleware(secret []byte, keys *KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := identify(secret, keys, r)
			if claims == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = kit.WithUserID(ctx, claims.UserID)
			if claims.Role != "" {
				ctx = kit.WithRole(ctx, claims.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identify(secret []byte, keys *KeyStore, r *http.Request) *Claims {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		claims, err := ValidateToken(secret, h[7:])
		if err == nil {
			return claims
		}
		return nil
	}

	if keys == nil {
		return nil
	}
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		return nil
	}
	id, role, err := keys.Verify(presented)
	if err != nil {
		return nil
	}
	return &Claims{UserID: "key:" + id, Role: role}
}

// GetClaims returns the authenticated caller's claims, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireAuth rejects unauthenticated requests with a 401 envelope.
// It must run below Middleware.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects authenticated callers whose role is not in the
// allow list. Unauthenticated requests get 401, wrong roles 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
				return
			}
			if !allowed[claims.Role] {
				writeError(w, http.StatusForbidden, CodeForbidden, "role "+claims.Role+" not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
