package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/tracker"
)

func (h *Handler) ListJobs(c *gin.Context) {
	class := jobs.Class(strings.ToLower(c.DefaultQuery("class", string(jobs.ClassAll))))
	switch class {
	case jobs.ClassAll, jobs.ClassActive, jobs.ClassCompleted, jobs.ClassFailed:
	default:
		common.Fail(c, http.StatusBadRequest, 10003, "class must be all, active, completed or failed")
		return
	}

	recs := h.Svc.Jobs(jobs.Filter{Class: class, Query: c.Query("q")})
	out := make([]jobView, 0, len(recs))
	for _, r := range recs {
		out = append(out, viewOf(r))
	}
	common.OK(c, gin.H{"jobs": out})
}

func (h *Handler) GetJob(c *gin.Context) {
	rec, err := h.Svc.Job(c.Param("job_id"))
	if err != nil {
		h.fail(c, "get job", err)
		return
	}
	common.OK(c, gin.H{"job": viewOf(rec)})
}

func (h *Handler) CreateJob(c *gin.Context) {
	var req struct {
		tracker.CreateInput
		Silent bool `json:"silent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	rec, err := h.Svc.CreateJob(c.Request.Context(), req.CreateInput, req.Silent)
	if err != nil {
		h.fail(c, "create job", err)
		return
	}
	common.OK(c, gin.H{"job": viewOf(rec)})
}

type actionReq struct {
	Silent       bool   `json:"silent"`
	TargetDir    string `json:"targetDir"`
	ManifestPath string `json:"manifestPath"`
}

// bindAction allows an empty body.
func bindAction(c *gin.Context) (actionReq, bool) {
	var req actionReq
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	return req, true
}

func (h *Handler) ResumeJob(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	rec, err := h.Svc.Resume(c.Request.Context(), c.Param("job_id"), req.Silent)
	if err != nil {
		h.fail(c, "resume", err)
		return
	}
	common.OK(c, gin.H{"job": viewOf(rec)})
}

func (h *Handler) CancelJob(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	rec, err := h.Svc.Cancel(c.Request.Context(), c.Param("job_id"), req.Silent)
	if err != nil {
		h.fail(c, "cancel", err)
		return
	}
	common.OK(c, gin.H{"job": viewOf(rec)})
}

func (h *Handler) RefreshJob(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	rec, err := h.Svc.Refresh(c.Request.Context(), c.Param("job_id"), req.Silent)
	if err != nil {
		h.fail(c, "refresh", err)
		return
	}
	common.OK(c, gin.H{"job": viewOf(rec)})
}

func (h *Handler) WatchJob(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	if err := h.Svc.Watch(c.Request.Context(), c.Param("job_id"), req.Silent); err != nil {
		h.fail(c, "watch", err)
		return
	}
	common.OK(c, gin.H{"watching": true})
}

func (h *Handler) DownloadArtifact(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	out, err := h.Svc.Download(c.Request.Context(), c.Param("job_id"), req.TargetDir, req.Silent)
	if err != nil {
		h.fail(c, "download", err)
		return
	}
	common.OK(c, out)
}

func (h *Handler) ValidateArtifact(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	r, err := h.Svc.Validate(c.Request.Context(), c.Param("job_id"), req.TargetDir, req.ManifestPath, req.Silent)
	if err != nil {
		h.fail(c, "validate", err)
		return
	}
	common.OK(c, gin.H{"report": r})
}

type batchReq struct {
	JobIDs    []string `json:"jobIds" binding:"required"`
	TargetDir string   `json:"targetDir"`
}

func (h *Handler) bindBatch(c *gin.Context) (batchReq, bool) {
	var req batchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	if len(req.JobIDs) == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "jobIds required")
		return req, false
	}
	return req, true
}

func (h *Handler) BatchResume(c *gin.Context) {
	if req, ok := h.bindBatch(c); ok {
		common.OK(c, gin.H{"summary": h.Svc.BatchResume(c.Request.Context(), req.JobIDs)})
	}
}

func (h *Handler) BatchCancel(c *gin.Context) {
	if req, ok := h.bindBatch(c); ok {
		common.OK(c, gin.H{"summary": h.Svc.BatchCancel(c.Request.Context(), req.JobIDs)})
	}
}

func (h *Handler) BatchDownload(c *gin.Context) {
	if req, ok := h.bindBatch(c); ok {
		common.OK(c, gin.H{"summary": h.Svc.BatchDownload(c.Request.Context(), req.JobIDs, req.TargetDir)})
	}
}

func (h *Handler) Reset(c *gin.Context) {
	if err := h.Svc.Reset(c.Request.Context()); err != nil {
		h.fail(c, "reset", err)
		return
	}
	common.OK(c, gin.H{"reset": true})
}
