package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"voip-platform/internal/auth"
	"voip-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

type fakeCreditChecker struct {
	ok  bool
	err error
}

func (f fakeCreditChecker) HasCredit(ctx context.Context, tenantID string) (bool, error) {
	return f.ok, f.err
}

func serveWithRole(svc CreditChecker, tenantID, role string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.POST("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", tenantID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireCredit(svc), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	return w.Code
}

func TestRequireCredit_BlocksWhenBeyondLimit(t *testing.T) {
	if code := serveWithRole(fakeCreditChecker{ok: false}, "t1", rbac.RoleBDR); code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRequireCredit_AllowsWithCredit(t *testing.T) {
	if code := serveWithRole(fakeCreditChecker{ok: true}, "t1", rbac.RoleManager); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireCredit_AllowsSuperAdminOverride(t *testing.T) {
	if code := serveWithRole(fakeCreditChecker{ok: false}, "t1", rbac.RoleSuperAdmin); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireCredit_LookupFailure(t *testing.T) {
	if code := serveWithRole(fakeCreditChecker{err: errors.New("db down")}, "t1", rbac.RoleAdmin); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestRequireCredit_RequiresTenant(t *testing.T) {
	if code := serveWithRole(fakeCreditChecker{ok: true}, "", rbac.RoleAdmin); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}
