package main

import (
	"log/slog"
	"net/http"
	"time"

	"voip-platform/internal/billing"
	"voip-platform/internal/config"
	"voip-platform/internal/metrics"
	"voip-platform/internal/rbac"
	"voip-platform/pkg/httpx"
	"voip-platform/pkg/logger"
	"voip-platform/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, a *app, log *slog.Logger, authMW gin.HandlerFunc) {
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/readyz", "/metrics"))
	r.Use(metrics.Middleware())
	r.Use(cors.New(corsConfig(cfg.App.CORSOrigins)))

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), a.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks (public, signature-checked).
	wh := r.Group("/webhooks")
	{
		wh.POST("/twilio/voice", a.webhooks.TwilioVoice)
		wh.POST("/twilio/status", a.webhooks.TwilioStatus)
		wh.POST("/twilio/recording", a.webhooks.TwilioRecording)
		wh.POST("/telnyx", a.webhooks.Telnyx)
	}

	h := a.handlers
	rl := httpx.NewRateLimiter(cfg.App.RateLimitRPS, cfg.App.RateLimitBurst, httpx.KeyByTenantOrIP)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireTenant(), rl.Handler())

	operators := rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleManager, rbac.RoleBDR)
	anyone := rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleManager, rbac.RoleBDR, rbac.RoleViewer)

	// CALLS routes
	callsGroup := v1.Group("/calls", operators)
	{
		callsGroup.POST("", billing.RequireCredit(a.ledger), h.PlaceCall)
		callsGroup.GET("/:provider_call_id", h.GetCall)
		callsGroup.POST("/:provider_call_id/hangup", h.HangupCall)
	}

	v1.POST("/devices/token", operators, h.DeviceToken)

	// DIALER routes
	campaign := v1.Group("/dialer/campaigns/:campaign_id", operators)
	{
		campaign.GET("", h.CampaignQueue())
		campaign.POST("/load", billing.RequireCredit(a.ledger), h.LoadCampaign)
		campaign.POST("/start", billing.RequireCredit(a.ledger), h.StartCampaign())
		campaign.POST("/pause", h.PauseCampaign())
		campaign.POST("/resume", billing.RequireCredit(a.ledger), h.ResumeCampaign())
		campaign.POST("/skip", h.SkipContact)
		campaign.POST("/wrap-up", h.CompleteWrapUp)
		campaign.POST("/stop", h.StopCampaign)
	}

	// BILLING routes
	billingGroup := v1.Group("/billing")
	{
		billingGroup.GET("/account", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleManager), h.BillingAccount)
		billingGroup.GET("/transactions", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleManager), h.BillingTransactions)
		billingGroup.POST("/credits", rbac.RequireAnyRole(rbac.RoleAdmin), h.CreditAccount)
	}

	// ADMIN routes
	// Dead letters are operational data; only admins replay or abandon them.
	dl := v1.Group("/dead-letters", rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		dl.GET("", h.ListDeadLetters)
		dl.POST("/:id/replay", h.ReplayDeadLetter)
		dl.POST("/:id/abandon", h.AbandonDeadLetter)
	}

	// REPORTING routes
	v1.GET("/dashboard/stats", anyone, h.DashboardStats)
	reports := v1.Group("/reports", anyone)
	{
		reports.GET("/calls", h.CallsReport)
		reports.GET("/spend", h.SpendReport)
	}

	v1.GET("/realtime/ws", anyone, h.RealtimeStream)
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}
