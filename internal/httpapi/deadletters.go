package httpapi

import (
	"net/http"
	"strconv"

	"voip-platform/internal/audit"
	"voip-platform/internal/deadletter"
	"voip-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

type abandonRequest struct {
	Reason string `json:"reason"`
}

// ListDeadLetters lists the tenant's failed tasks. Super admins see every tenant,
// including entries recorded before a tenant could be resolved.
func (h Handlers) ListDeadLetters(c *gin.Context) {
	if h.DeadLetters == nil {
		notConfigured(c, "dead letters")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	f := deadletter.Filter{
		TenantID: id.TenantID,
		Status:   deadletter.Status(c.Query("status")),
		TaskType: c.Query("task_type"),
		Limit:    100,
	}
	if rbac.IsSuperAdmin(id.Role) {
		f.TenantID = c.Query("tenant_id")
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = min(n, 500)
	}
	entries, err := h.DeadLetters.List(c.Request.Context(), f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// visibleEntry loads an entry and hides other tenants' entries as not found.
func (h Handlers) visibleEntry(c *gin.Context, id identity) (deadletter.Entry, bool) {
	e, err := h.DeadLetters.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortErr(c, err)
		return deadletter.Entry{}, false
	}
	if !id.owns(e.TenantID) {
		abortErr(c, deadletter.ErrNotFound)
		return deadletter.Entry{}, false
	}
	return e, true
}

// ReplayDeadLetter re-runs one entry now and returns its updated state.
func (h Handlers) ReplayDeadLetter(c *gin.Context) {
	if h.DeadLetters == nil || h.Sweeper == nil {
		notConfigured(c, "dead letters")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	e, ok := h.visibleEntry(c, id)
	if !ok {
		return
	}
	out, err := h.Sweeper.Replay(c.Request.Context(), e.ID)
	if err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.DeadLetterAction(c.Request.Context(), auditTenant(id, e), actorOf(c, id), audit.EventDeadLetterReplay, e.ID, string(out.Status))
	}
	c.JSON(http.StatusOK, out)
}

// AbandonDeadLetter stops automatic retries of an entry.
func (h Handlers) AbandonDeadLetter(c *gin.Context) {
	if h.DeadLetters == nil || h.Sweeper == nil {
		notConfigured(c, "dead letters")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req abandonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	e, ok := h.visibleEntry(c, id)
	if !ok {
		return
	}
	out, err := h.Sweeper.Abandon(c.Request.Context(), e.ID, req.Reason)
	if err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.DeadLetterAction(c.Request.Context(), auditTenant(id, e), actorOf(c, id), audit.EventDeadLetterAbandon, e.ID, req.Reason)
	}
	c.JSON(http.StatusOK, out)
}

func auditTenant(id identity, e deadletter.Entry) string {
	if e.TenantID != "" {
		return e.TenantID
	}
	return id.TenantID
}
