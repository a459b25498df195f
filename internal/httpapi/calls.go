package httpapi

import (
	"errors"
	"net/http"

	"voip-platform/internal/calls"
	"voip-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

type placeCallRequest struct {
	To         string `json:"to" binding:"required"`
	From       string `json:"from"`
	Provider   string `json:"provider"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
}

// PlaceCall starts an outbound call for the caller.
func (h Handlers) PlaceCall(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}

	call, err := h.Calls.Place(c.Request.Context(), calls.PlaceRequest{
		TenantID:   id.TenantID,
		UserID:     id.UserID,
		CampaignID: req.CampaignID,
		ContactID:  req.ContactID,
		From:       req.From,
		To:         telephony.NormalizeE164(req.To, h.DefaultCountryCode),
		Provider:   req.Provider,
	})
	if err != nil {
		if errors.Is(err, calls.ErrPlacementFailed) && call.ID != "" {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error(), "call": call})
			return
		}
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

// GetCall returns a call by provider call id.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	call, err := h.Calls.GetByProviderID(c.Request.Context(), c.Param("provider_call_id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	if !id.owns(call.TenantID) {
		abortErr(c, calls.ErrCallNotFound)
		return
	}
	c.JSON(http.StatusOK, call)
}

// HangupCall asks the provider to end a live call.
func (h Handlers) HangupCall(c *gin.Context) {
	if h.Calls == nil {
		notConfigured(c, "calls")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	pid := c.Param("provider_call_id")
	call, err := h.Calls.GetByProviderID(c.Request.Context(), pid)
	if err != nil {
		abortErr(c, err)
		return
	}
	if !id.owns(call.TenantID) {
		abortErr(c, calls.ErrCallNotFound)
		return
	}
	if err := h.Calls.Hangup(c.Request.Context(), pid); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "hangup_requested"})
}
