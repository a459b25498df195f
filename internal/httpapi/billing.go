package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"voip-platform/internal/billing"
	"voip-platform/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type creditRequest struct {
	TenantID    string          `json:"tenant_id"`
	Minutes     decimal.Decimal `json:"minutes"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference" binding:"required"`
	Description string          `json:"description"`
}

// BillingAccount returns the caller tenant's balance.
func (h Handlers) BillingAccount(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "billing")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	acct, err := h.Ledger.Account(c.Request.Context(), id.TenantID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// BillingTransactions lists recent ledger entries, newest first.
func (h Handlers) BillingTransactions(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "billing")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, 500)
	}
	txs, err := h.Ledger.Transactions(c.Request.Context(), id.TenantID, limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// CreditAccount posts a manual top-up. Only super admins may credit another tenant.
func (h Handlers) CreditAccount(c *gin.Context) {
	if h.Ledger == nil {
		notConfigured(c, "billing")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	tenantID := id.TenantID
	if req.TenantID != "" && req.TenantID != id.TenantID {
		if !rbac.IsSuperAdmin(id.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		tenantID = req.TenantID
	}

	tx, acct, err := h.Ledger.Credit(c.Request.Context(), billing.CreditRequest{
		TenantID:    tenantID,
		Minutes:     req.Minutes,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.ManualCredit(c.Request.Context(), tenantID, actorOf(c, id),
			fmt.Sprintf("credited %s minutes / %s", req.Minutes.String(), req.Amount.StringFixed(2)),
			fmt.Sprintf(`{"reference":%q,"transaction_id":%q}`, req.Reference, tx.ID))
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx, "account": acct})
}
