package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the access-token shape minted by the external identity provider.
// The subject is the user id.
// Multi-tenant invariant: TenantID must be present for all non-admin activity.
type Claims struct {
	jwt.RegisteredClaims

	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

func (c Claims) UserID() string { return c.Subject }
