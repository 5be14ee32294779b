package router

import (
	"github.com/cuongbtq/shard-reports/internal/api/handler"
	"github.com/cuongbtq/shard-reports/internal/metrics"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	reportHandler := handler.NewReportHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Provider callbacks
	webhooks := r.Group("/webhooks")
	{
		// POST /webhooks/shards?jobId=&shardIndex= - Scraping shard finished
		webhooks.POST("/shards", webhookHandler.ShardWebhook)

		// POST /webhooks/billing - Subscription status changed
		webhooks.POST("/billing", webhookHandler.BillingWebhook)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		reports := v1.Group("/reports")
		{
			// POST /api/v1/reports - Request a new report
			reports.POST("", reportHandler.CreateReport)

			// GET /api/v1/reports - List the caller's reports
			reports.GET("", reportHandler.ListReports)

			// GET /api/v1/reports/eligibility - Quota check for the caller
			reports.GET("/eligibility", reportHandler.GetEligibility)

			// GET /api/v1/reports/:job_id - Get report status and result
			reports.GET("/:job_id", reportHandler.GetReport)
		}
	}

	return r
}
