package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"oneui/internal/xray/apply"
)

func (s *Server) collectorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Collector.Status())
}

type collectorResetRequest struct {
	Pattern string `json:"pattern"`
}

// collectorReset zeroes the data plane counters matching the pattern
// (every counter when empty) and drops the collector baselines.
func (s *Server) collectorReset(c *gin.Context) {
	var req collectorResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
				"type": "validation_error", "message": err.Error(),
			}})
			return
		}
	}
	if err := s.deps.Collector.Reset(c.Request.Context(), req.Pattern); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true, "pattern": req.Pattern})
}

func (s *Server) xrayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Inspector.Inspect(c.Request.Context()))
}

type applyRequest struct {
	Async  bool   `json:"async"`
	Method string `json:"method"`
}

// applyConfig regenerates and applies the runtime config. Async requests
// just mark the reconcile queue dirty and return immediately.
func (s *Server) applyConfig(c *gin.Context) {
	var req applyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
				"type": "validation_error", "message": err.Error(),
			}})
			return
		}
	}
	method := apply.Method(req.Method)
	switch method {
	case "", apply.MethodHot, apply.MethodRestart, apply.MethodNone:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type": "validation_error", "message": "unknown apply method: " + req.Method,
		}})
		return
	}
	if req.Async {
		s.deps.Queue.MarkDirty()
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	result, err := s.deps.Reconciler.ReconcileWith(c.Request.Context(), method)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listSnapshots(c *gin.Context) {
	snapshots, err := s.deps.ApplyEngine.Snapshots().List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

type rollbackRequest struct {
	SnapshotID string `json:"snapshotId" binding:"required"`
}

func (s *Server) rollbackConfig(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type": "validation_error", "message": err.Error(),
		}})
		return
	}
	result, err := s.deps.ApplyEngine.Rollback(c.Request.Context(), req.SnapshotID)
	if err != nil {
		respondError(c, err)
		return
	}
	// The restored snapshot invalidates the collector's traffic baselines.
	s.deps.Collector.ResetBaselines()
	c.JSON(http.StatusOK, result)
}
