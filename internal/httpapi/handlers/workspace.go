package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/upscale-tracker/internal/artifact"
	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/readiness"
)

func (h *Handler) Readiness(c *gin.Context) {
	common.OK(c, gin.H{
		"readiness": h.Svc.Readiness(c.Request.Context()),
		"outcome":   h.Svc.RenameOutcome(),
	})
}

// SetRenameOutcome takes a RenameOutcome body; "null" clears it.
func (h *Handler) SetRenameOutcome(c *gin.Context) {
	var o *readiness.RenameOutcome
	if err := json.NewDecoder(c.Request.Body).Decode(&o); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	h.Svc.SetRenameOutcome(c.Request.Context(), o)
	common.OK(c, gin.H{"readiness": h.Svc.Readiness(c.Request.Context())})
}

func (h *Handler) ListReports(c *gin.Context) {
	common.OK(c, gin.H{"reports": h.Svc.Reports()})
}

func (h *Handler) GetReport(c *gin.Context) {
	r, err := h.Svc.Report(c.Request.Context(), c.Param("report_id"))
	if err != nil {
		h.fail(c, "get report", err)
		return
	}
	common.OK(c, gin.H{"report": r})
}

func (h *Handler) ExportReport(c *gin.Context) {
	r, err := h.Svc.Report(c.Request.Context(), c.Param("report_id"))
	if err != nil {
		h.fail(c, "export report", err)
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+r.ID+".xlsx"))
	c.Status(http.StatusOK)
	if err := artifact.WriteXLSX(r, c.Writer); err != nil {
		h.Logger.Error("xlsx export failed", "report_id", r.ID, "err", err)
	}
}

func (h *Handler) Preferences(c *gin.Context) {
	p, err := h.Svc.Preferences(c.Request.Context())
	if err != nil {
		h.fail(c, "preferences", err)
		return
	}
	common.OK(c, p)
}
