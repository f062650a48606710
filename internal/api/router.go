// Package api wires the HTTP surface: routes, middleware, and handlers.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/shuwen-lab/cliptext/internal/api/handler"
	"github.com/shuwen-lab/cliptext/internal/api/middleware"
	"github.com/shuwen-lab/cliptext/internal/config"
	"github.com/shuwen-lab/cliptext/internal/lifecycle"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"github.com/shuwen-lab/cliptext/internal/service"
)

// SetupRouter configures the Gin router with all routes. The executor
// callback route is only registered when the callback acquisition strategy is
// active, so a poll-mode process cannot be finalized from the outside.
func SetupRouter(
	cfg *config.Config,
	submitSvc *service.SubmitService,
	manager *lifecycle.Manager,
	repo *repository.JobRepository,
	hub *lifecycle.Hub,
	log *logger.Logger,
) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(cfg.Acquisition.Strategy)
	jobHandler := handler.NewJobHandler(submitSvc)
	watchHandler := handler.NewWatchHandler(submitSvc, hub)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Auth())
	{
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.GET("/jobs/:id/events", watchHandler.Watch)
	}

	if cfg.Acquisition.Strategy == config.StrategyCallback {
		callbackHandler := handler.NewCallbackHandler(repo, manager)
		r.POST("/callbacks/executor",
			middleware.VerifySignature(cfg.Webhook.Secret, cfg.Webhook.FreshnessWindow),
			callbackHandler.Handle,
		)
	}

	return r
}
