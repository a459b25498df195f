package httpapi

import (
	"context"
	"net/http"

	"voip-platform/internal/audit"
	"voip-platform/internal/dialer"

	"github.com/gin-gonic/gin"
)

type loadCampaignRequest struct {
	CallerID string `json:"caller_id"`
}

type wrapUpRequest struct {
	Notes string `json:"notes"`
}

func (h Handlers) LoadCampaign(c *gin.Context) {
	if h.Dialer == nil {
		notConfigured(c, "dialer")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req loadCampaignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	_, snap, err := h.Dialer.Load(c.Request.Context(), dialer.LoadRequest{
		TenantID:   id.TenantID,
		CampaignID: c.Param("campaign_id"),
		UserID:     id.UserID,
		CallerID:   req.CallerID,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// queueAction runs op on the caller's campaign queue and answers with its snapshot.
func (h Handlers) queueAction(op func(ctx context.Context, q *dialer.Queue) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Dialer == nil {
			notConfigured(c, "dialer")
			return
		}
		id, ok := callerIdentity(c)
		if !ok {
			return
		}
		q, err := h.Dialer.Get(id.TenantID, c.Param("campaign_id"))
		if err != nil {
			abortErr(c, err)
			return
		}
		if op != nil {
			if err := op(c.Request.Context(), q); err != nil {
				abortErr(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, q.Snapshot())
	}
}

func (h Handlers) CampaignQueue() gin.HandlerFunc { return h.queueAction(nil) }

func (h Handlers) StartCampaign() gin.HandlerFunc {
	return h.queueAction(func(ctx context.Context, q *dialer.Queue) error { return q.Start(ctx) })
}

func (h Handlers) PauseCampaign() gin.HandlerFunc {
	return h.queueAction(func(ctx context.Context, q *dialer.Queue) error { return q.Pause(ctx) })
}

func (h Handlers) ResumeCampaign() gin.HandlerFunc {
	return h.queueAction(func(ctx context.Context, q *dialer.Queue) error { return q.Resume(ctx) })
}

func (h Handlers) SkipContact(c *gin.Context) {
	var callID string
	h.queueAction(func(ctx context.Context, q *dialer.Queue) error {
		if cur := q.Snapshot().Current; cur != nil {
			callID = cur.CallID
		}
		return q.Skip(ctx)
	})(c)
	if c.IsAborted() {
		return
	}
	if id, ok := callerIdentity(c); ok && h.Audit != nil {
		h.Audit.DialerAction(c.Request.Context(), id.TenantID, actorOf(c, id), audit.EventDialerSkip, c.Param("campaign_id"), callID)
	}
}

func (h Handlers) CompleteWrapUp(c *gin.Context) {
	var req wrapUpRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	h.queueAction(func(ctx context.Context, q *dialer.Queue) error { return q.CompleteWrapUp(ctx, req.Notes) })(c)
}

// StopCampaign stops and unloads the queue, returning its final snapshot.
func (h Handlers) StopCampaign(c *gin.Context) {
	if h.Dialer == nil {
		notConfigured(c, "dialer")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	campaignID := c.Param("campaign_id")
	snap, err := h.Dialer.Stop(c.Request.Context(), id.TenantID, campaignID)
	if err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		h.Audit.DialerAction(c.Request.Context(), id.TenantID, actorOf(c, id), audit.EventDialerStop, campaignID, "")
	}
	c.JSON(http.StatusOK, snap)
}
