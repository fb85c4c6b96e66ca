package http

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"oneui/internal/application/devices"
	"oneui/internal/application/online"
	"oneui/internal/application/stream"
)

func (s *Server) listSessions(c *gin.Context) {
	snapshot, err := s.deps.Online.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	limit := intQuery(c, "limit", s.deps.StreamCfg.DefaultLimit)
	if limit > 0 && len(snapshot.Sessions) > limit {
		snapshot.Sessions = snapshot.Sessions[:limit]
	}
	c.JSON(http.StatusOK, snapshot)
}

// streamSessions serves the live session feed over SSE: a presence
// snapshot on every tick, interleaved with discrete session events.
// Query params: interval_ms (clamped), limit, user_ids (comma separated),
// include_offline.
func (s *Server) streamSessions(c *gin.Context) {
	interval := stream.Interval(
		intQuery(c, "interval_ms", 0),
		s.deps.StreamCfg.DefaultIntervalMs,
		s.deps.StreamCfg.MinIntervalMs,
		s.deps.StreamCfg.MaxIntervalMs,
	)
	filter := snapshotFilter{
		limit:          intQuery(c, "limit", s.deps.StreamCfg.DefaultLimit),
		userIDs:        parseUserIDs(c.Query("user_ids")),
		includeOffline: c.Query("include_offline") == "true",
	}

	events, cancel := s.deps.Broadcaster.Subscribe()
	defer cancel()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-ticker.C:
			snapshot, err := s.deps.Online.Snapshot(ctx)
			if err != nil {
				c.SSEvent("error", gin.H{"message": err.Error()})
				return true
			}
			filter.apply(&snapshot)
			c.SSEvent("snapshot", snapshot)
			return true
		}
	})
}

type snapshotFilter struct {
	limit          int
	userIDs        map[uint]struct{}
	includeOffline bool
}

func (f snapshotFilter) apply(snapshot *online.Snapshot) {
	// The snapshot may be served from the tracker's cache; never filter the
	// shared slice in place.
	sessions := make([]online.HeartbeatEntry, 0, len(snapshot.Sessions))
	for _, entry := range snapshot.Sessions {
		if !f.includeOffline && entry.State == online.PresenceOffline {
			continue
		}
		if len(f.userIDs) > 0 {
			if _, ok := f.userIDs[entry.UserID]; !ok {
				continue
			}
		}
		sessions = append(sessions, entry)
	}
	if f.limit > 0 && len(sessions) > f.limit {
		sessions = sessions[:f.limit]
	}
	snapshot.Sessions = sessions
}

func parseUserIDs(raw string) map[uint]struct{} {
	if raw == "" {
		return nil
	}
	ids := make(map[uint]struct{})
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			continue
		}
		ids[uint(id)] = struct{}{}
	}
	return ids
}

type authorizeRequest struct {
	UserID    uint   `json:"userId" binding:"required"`
	DeviceID  string `json:"deviceId"`
	InboundID uint   `json:"inboundId"`
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
}

// authorizeSession admits or denies a connection attempt. Admission
// itself registers the device, appends the connection log and emits the
// session.connect event; this handler only feeds presence.
func (s *Server) authorizeSession(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type": "validation_error", "message": err.Error(),
		}})
		return
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	decision, err := s.deps.Enforcer.Check(c.Request.Context(), devices.Attempt{
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		InboundID: req.InboundID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if decision.Allowed {
		s.deps.Online.Heartbeat(req.UserID)
	}
	c.JSON(http.StatusOK, decision)
}

type heartbeatRequest struct {
	UserID   uint   `json:"userId" binding:"required"`
	DeviceID string `json:"deviceId"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type": "validation_error", "message": err.Error(),
		}})
		return
	}
	s.deps.Online.Heartbeat(req.UserID)
	if req.DeviceID != "" {
		s.deps.DeviceTracker.Touch(req.UserID, devices.TouchInfo{
			DeviceID:  req.DeviceID,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listDevices(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": s.deps.DeviceTracker.ListActive(userID, 0)})
}

func (s *Server) revokeDevice(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	deviceID := c.Param("deviceId")
	dropped, _ := s.deps.Enforcer.Disconnect(c.Request.Context(), userID, deviceID)
	if dropped == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"type": "not_found", "message": "device not found",
		}})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) disconnectAllDevices(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	droppedDevices, droppedIPs := s.deps.Enforcer.Disconnect(c.Request.Context(), userID, "")
	c.JSON(http.StatusOK, gin.H{"disconnected": droppedDevices, "ips": droppedIPs})
}

func userIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type": "validation_error", "message": "invalid user id",
		}})
		return 0, false
	}
	return uint(id), true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
