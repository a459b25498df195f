package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voip-platform/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimsAt(now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "issuer",
			Audience:  jwt.ClaimStrings{"aud"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		TenantID: "t-1",
		Role:     "bdr",
	}
}

func TestVerifyAccessToken(t *testing.T) {
	v, err := NewVerifier(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "issuer", JWTAudience: "aud"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tok := sign(t, "secret", claimsAt(now))

	claims, err := v.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID() != "user-1" || claims.TenantID != "t-1" || claims.Role != "bdr" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	v, _ := NewVerifier(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "issuer", JWTAudience: "aud"})
	now := time.Unix(1700000000, 0).UTC()

	if _, err := v.Verify(sign(t, "secret", claimsAt(now)), now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	if _, err := v.Verify(sign(t, "other", claimsAt(now)), now); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}

	c := claimsAt(now)
	c.Issuer = "someone-else"
	if _, err := v.Verify(sign(t, "secret", c), now); err == nil {
		t.Fatalf("expected issuer mismatch")
	}

	c = claimsAt(now)
	c.TenantID = ""
	if _, err := v.Verify(sign(t, "secret", c), now); err == nil {
		t.Fatalf("expected missing tenant to fail")
	}
}

func TestRequireAccessToken_InjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, _ := NewVerifier(config.AuthConfig{JWTSecret: "secret"})

	r := gin.New()
	var tenant string
	r.GET("/x", RequireAccessToken(v), func(c *gin.Context) {
		tenant, _ = TenantID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	tok := sign(t, "secret", claimsAt(time.Now()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || tenant != "t-1" {
		t.Fatalf("expected 200 with tenant, got %d %q", w.Code, tenant)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestRequireAccessToken_QueryTokenOnlyForWebsocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, _ := NewVerifier(config.AuthConfig{JWTSecret: "secret"})

	r := gin.New()
	r.GET("/ws", RequireAccessToken(v), func(c *gin.Context) { c.Status(http.StatusOK) })
	tok := sign(t, "secret", claimsAt(time.Now()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for plain request, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil)
	req.Header.Set("Connection", "upgrade")
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for websocket upgrade, got %d", w.Code)
	}
}

func TestIdentityAccessors(t *testing.T) {
	if _, err := TenantID(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	ctx := WithIdentity(context.Background(), "u-1", "t-1", "")
	id, ok := IdentityFrom(ctx)
	if !ok || id != (Identity{UserID: "u-1", TenantID: "t-1"}) {
		t.Fatalf("unexpected identity: %+v %v", id, ok)
	}
	if uid, err := UserID(ctx); err != nil || uid != "u-1" {
		t.Fatalf("user id: %q %v", uid, err)
	}
	if _, err := Role(ctx); err == nil || errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected a missing role error, got %v", err)
	}
}
