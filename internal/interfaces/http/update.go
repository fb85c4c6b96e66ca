package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"oneui/internal/xray/update"
)

func (s *Server) updateStatus(c *gin.Context) {
	status, err := s.deps.Updates.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) updatePolicy(c *gin.Context) {
	policy, err := s.deps.Updates.GetPolicy(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) updateHistory(c *gin.Context) {
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 50)
	entries, total, err := s.deps.Updates.History(c.Request.Context(), offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

func (s *Server) updateBackups(c *gin.Context) {
	backups, err := s.deps.Updates.ListBackups()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

func (s *Server) updatePreflight(c *gin.Context) {
	result, err := s.deps.Updates.Preflight(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type updateRunRequest struct {
	Channel    string `json:"channel"`
	Image      string `json:"image"`
	NoRollback bool   `json:"noRollback"`
	Force      bool   `json:"force"`
}

func (s *Server) updateCanary(c *gin.Context) {
	s.runUpdate(c, s.deps.Updates.RunCanary)
}

func (s *Server) updateFull(c *gin.Context) {
	s.runUpdate(c, s.deps.Updates.RunFull)
}

func (s *Server) runUpdate(c *gin.Context, run func(context.Context, update.RunOptions) (*update.RunResult, error)) {
	var req updateRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
				"type": "validation_error", "message": err.Error(),
			}})
			return
		}
	}
	result, err := run(c.Request.Context(), update.RunOptions{
		Channel:    req.Channel,
		Image:      req.Image,
		NoRollback: req.NoRollback,
		Force:      req.Force,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type updateRollbackRequest struct {
	BackupTag string `json:"backupTag"`
}

// updateRollback restores a tagged backup image. An absent tag picks the
// newest backup.
func (s *Server) updateRollback(c *gin.Context) {
	var req updateRollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
				"type": "validation_error", "message": err.Error(),
			}})
			return
		}
	}
	backup, err := s.deps.Updates.Rollback(c.Request.Context(), req.BackupTag)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolledBack": true, "backup": backup})
}

type unlockRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) updateUnlock(c *gin.Context) {
	var req unlockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
				"type": "validation_error", "message": err.Error(),
			}})
			return
		}
	}
	result, err := s.deps.Updates.Unlock(c.Request.Context(), req.Reason, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
