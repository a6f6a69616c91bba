package auth

import "github.com/golang-jwt/jwt/v5"

// Roles known to the control plane. Policy lives with the callers;
// auth only transports the role.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleWorker   = "worker"
)

// Claims is the JWT payload for API callers. It embeds
// jwt.RegisteredClaims for the standard fields (exp, iat, sub) and adds
// the identity the rest of the service keys on.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}
