package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DeviceToken issues a browser softphone token for the caller.
func (h Handlers) DeviceToken(c *gin.Context) {
	if h.Devices == nil {
		notConfigured(c, "device tokens")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	tok, err := h.Devices.DeviceToken(id.UserID, id.TenantID, h.now())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}
