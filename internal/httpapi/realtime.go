package httpapi

import (
	"github.com/gin-gonic/gin"
)

// RealtimeStream upgrades to a websocket carrying the tenant's call and queue changes.
func (h Handlers) RealtimeStream(c *gin.Context) {
	if h.Realtime == nil {
		notConfigured(c, "realtime")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	h.Realtime.Serve(c.Writer, c.Request, id.TenantID)
}
