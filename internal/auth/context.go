package auth

import (
	"context"
	"errors"
	"fmt"
)

// Identity is the verified caller of a request.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
}

// ErrNoIdentity means the request never passed RequireAccessToken.
var ErrNoIdentity = errors.New("auth: no identity in context")

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, tenantID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, TenantID: tenantID, Role: role})
}

// IdentityFrom returns the caller stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	return claim(ctx, "user_id", func(id Identity) string { return id.UserID })
}

func TenantID(ctx context.Context) (string, error) {
	return claim(ctx, "tenant_id", func(id Identity) string { return id.TenantID })
}

func Role(ctx context.Context) (string, error) {
	return claim(ctx, "role", func(id Identity) string { return id.Role })
}

func claim(ctx context.Context, name string, get func(Identity) string) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrNoIdentity
	}
	if v := get(id); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("auth: %s missing from token", name)
}
