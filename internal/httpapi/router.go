package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/config"
	"github.com/suPer8Hu/upscale-tracker/internal/httpapi/handlers"
	"github.com/suPer8Hu/upscale-tracker/internal/httpapi/middleware"
	"github.com/suPer8Hu/upscale-tracker/internal/tracker"
)

func NewRouter(svc *tracker.Service, cfg config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, cfg, logger)

	r.GET("/ping", h.Ping)

	// everything else requires a JWT
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.GET("/jobs", h.ListJobs)
	authGroup.POST("/jobs", h.CreateJob)
	authGroup.GET("/jobs/:job_id", h.GetJob)
	authGroup.POST("/jobs/:job_id/resume", h.ResumeJob)
	authGroup.POST("/jobs/:job_id/cancel", h.CancelJob)
	authGroup.POST("/jobs/:job_id/refresh", h.RefreshJob)
	authGroup.POST("/jobs/:job_id/watch", h.WatchJob)
	authGroup.POST("/jobs/:job_id/artifact/download", h.DownloadArtifact)
	authGroup.POST("/jobs/:job_id/artifact/validate", h.ValidateArtifact)

	authGroup.POST("/batch/resume", h.BatchResume)
	authGroup.POST("/batch/cancel", h.BatchCancel)
	authGroup.POST("/batch/download", h.BatchDownload)

	authGroup.GET("/readiness", h.Readiness)
	authGroup.PUT("/rename-outcome", h.SetRenameOutcome)

	authGroup.GET("/reports", h.ListReports)
	authGroup.GET("/reports/:report_id", h.GetReport)
	authGroup.GET("/reports/:report_id/xlsx", h.ExportReport)

	authGroup.GET("/preferences", h.Preferences)
	authGroup.POST("/reset", h.Reset)
	authGroup.GET("/events", h.Events)
	return r
}
