package httpapi

import (
	"errors"
	"net/http"
	"time"

	"voip-platform/internal/audit"
	"voip-platform/internal/auth"
	"voip-platform/internal/billing"
	"voip-platform/internal/calls"
	"voip-platform/internal/deadletter"
	"voip-platform/internal/dialer"
	"voip-platform/internal/rbac"
	"voip-platform/internal/realtime"
	"voip-platform/internal/reporting"
	"voip-platform/internal/telephony"
	"voip-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls       *calls.Service
	Ledger      *billing.Ledger
	Dialer      *dialer.Manager
	DeadLetters deadletter.Repo
	Sweeper     *deadletter.Sweeper
	Devices     *telephony.DeviceTokens
	Reports     *reporting.Service
	Realtime    *realtime.Hub
	Audit       *audit.Service

	DefaultCountryCode string

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// identity is the authenticated caller.
type identity auth.Identity

func (id identity) owns(tenantID string) bool {
	return rbac.IsSuperAdmin(id.Role) || (tenantID != "" && id.TenantID == tenantID)
}

// callerIdentity reads the identity set by auth.RequireAccessToken and aborts 401 without a tenant.
func callerIdentity(c *gin.Context) (identity, bool) {
	id, ok := auth.IdentityFrom(c.Request.Context())
	if !ok || id.TenantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return identity{}, false
	}
	return identity(id), true
}

func actorOf(c *gin.Context, id identity) audit.Actor {
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrCallNotFound),
		errors.Is(err, deadletter.ErrNotFound),
		errors.Is(err, dialer.ErrQueueNotLoaded),
		errors.Is(err, billing.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrInvalidRequest),
		errors.Is(err, calls.ErrUnknownProvider),
		errors.Is(err, billing.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrCreditLimit):
		return http.StatusPaymentRequired
	case errors.Is(err, calls.ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, dialer.ErrAlreadyRunning),
		errors.Is(err, dialer.ErrNoActiveItem),
		errors.Is(err, dialer.ErrNotWrappingUp),
		errors.Is(err, deadletter.ErrNotReplayable),
		errors.Is(err, calls.ErrNotLive):
		return http.StatusConflict
	case errors.Is(err, calls.ErrPlacementFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortErr(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		// The request id lets support find the log line.
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "request_id": logger.RequestID(c)})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func notConfigured(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
