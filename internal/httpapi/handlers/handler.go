package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/config"
	"github.com/suPer8Hu/upscale-tracker/internal/httpapi/middleware"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/tracker"
)

type Handler struct {
	Svc    *tracker.Service
	Cfg    config.Config
	Logger *slog.Logger
}

func NewHandler(svc *tracker.Service, cfg config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Svc: svc, Cfg: cfg, Logger: logger}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// jobView adds the derived fields a client needs; the credential never leaves.
type jobView struct {
	jobs.Record
	HasCredential bool `json:"hasCredential"`
}

func viewOf(rec jobs.Record) jobView {
	return jobView{Record: rec, HasCredential: rec.HasCredential()}
}

// fail maps service errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case common.IsReadiness(err):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	case errors.Is(err, common.ErrInvalidInput),
		errors.Is(err, common.ErrInvalidServiceURL),
		errors.Is(err, common.ErrMissingArtifact):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case common.IsTransport(err):
		common.Fail(c, http.StatusBadGateway, 50201, err.Error())
	default:
		h.Logger.Error(op+" failed", "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
