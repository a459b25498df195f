package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"voip-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, tenant, role string, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", tenant, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "t", RoleSuperAdmin, RequireTenant(), RequireAnyRole(RoleAdmin)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniesOtherRoles(t *testing.T) {
	if code := serve(t, "t", RoleViewer, RequireTenant(), RequireAnyRole(RoleAdmin, RoleManager)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "t", RoleManager, RequireTenant(), RequireAnyRole(RoleAdmin, RoleManager)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireTenant_RejectsMissingTenant(t *testing.T) {
	if code := serve(t, "", RoleAdmin, RequireTenant()); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestCanOperate(t *testing.T) {
	if CanOperate(RoleViewer) {
		t.Fatalf("viewer must not operate")
	}
	if !CanOperate(RoleBDR) {
		t.Fatalf("bdr must operate")
	}
}
