package httpapi

import (
	"net/http"
	"time"

	"voip-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// DashboardStats returns the live panel for ?day=YYYY-MM-DD (default today, UTC).
func (h Handlers) DashboardStats(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reports")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	day := h.now().UTC()
	if v := c.Query("day"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = d
	}
	stats, err := h.Reports.DashboardStats(c.Request.Context(), id.TenantID, day)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// parseRange reads ?from=&to= as RFC3339. Missing bounds default to the last 30 days.
func (h Handlers) parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	to := h.now().UTC()
	r := reporting.TimeRange{From: to.AddDate(0, 0, -30), To: to}
	for key, dst := range map[string]*time.Time{"from": &r.From, "to": &r.To} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
			return reporting.TimeRange{}, false
		}
		*dst = t
	}
	return r, true
}

func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reports")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	sum, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		TenantID:   id.TenantID,
		Range:      r,
		CampaignID: c.Query("campaign_id"),
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) SpendReport(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reports")
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	r, ok := h.parseRange(c)
	if !ok {
		return
	}
	sum, err := h.Reports.SpendSummary(c.Request.Context(), id.TenantID, r)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
