package billing

import (
	"context"
	"net/http"

	"voip-platform/internal/auth"
	"voip-platform/internal/rbac"
	"voip-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CreditChecker is the minimal ledger interface needed by middleware.
type CreditChecker interface {
	HasCredit(ctx context.Context, tenantID string) (bool, error)
}

// RequireCredit blocks outbound placement once the tenant is beyond its credit limit.
//
// super_admin bypasses. Settlement itself is never blocked; calls already in
// flight are charged even past the limit.
func RequireCredit(svc CreditChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsSuperAdmin(role) {
			c.Next()
			return
		}

		tenantID, err := auth.TenantID(c.Request.Context())
		if err != nil || tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
			return
		}

		ok, err := svc.HasCredit(c.Request.Context(), tenantID)
		if err != nil {
			logger.FromGin(c).Error("credit check failed", "tenant_id", tenantID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
			return
		}

		c.Next()
	}
}
