package devices

import (
	"context"
	"fmt"
	"time"

	"oneui/internal/application/stream"
	"oneui/internal/domain/traffic"
	"oneui/internal/domain/user"
	"oneui/internal/shared/errors"
	"oneui/internal/shared/logger"
)

// Attempt is one connection admission request from the data plane.
type Attempt struct {
	UserID    uint
	DeviceID  string
	InboundID uint
	IP        string
	UserAgent string
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	ActiveDevices int    `json:"activeDevices"`
	ActiveIPs     int    `json:"activeIps"`
}

// Publisher distributes session lifecycle events; satisfied by the cross
// instance event bus. Nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, event stream.Event)
}

// SessionEvent is the payload of session.connect and session.disconnect
// stream events.
type SessionEvent struct {
	UserID    uint   `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	InboundID uint   `json:"inboundId,omitempty"`
	IP        string `json:"ip,omitempty"`
	Devices   int    `json:"devices,omitempty"`
}

// Enforcer applies per-user device and IP limits. The two limits are
// independent: either one being exceeded denies the connection.
type Enforcer struct {
	tracker *Tracker
	users   user.Repository
	conns   traffic.ConnectionLogRepository
	events  Publisher
	window  time.Duration
	logger  logger.Interface
}

// NewEnforcer wires the admission path. window is how far back a device
// still counts against the limits; non-positive falls back to the
// tracker's retention.
func NewEnforcer(tracker *Tracker, users user.Repository, conns traffic.ConnectionLogRepository, events Publisher, window time.Duration, log logger.Interface) *Enforcer {
	return &Enforcer{
		tracker: tracker,
		users:   users,
		conns:   conns,
		events:  events,
		window:  window,
		logger:  log.Named("devices"),
	}
}

// Check admits or denies a connection attempt. An admitted attempt is
// recorded in the tracker; a denial never mutates tracker state. Known
// devices reconnecting always pass the device limit.
func (e *Enforcer) Check(ctx context.Context, attempt Attempt) (Decision, error) {
	u, err := e.users.GetByID(ctx, attempt.UserID)
	if err != nil {
		return Decision{}, errors.NewInternalError("failed to load user").WithCause(err)
	}
	if u == nil {
		return Decision{}, errors.NewNotFoundError("user not found", fmt.Sprintf("id=%d", attempt.UserID))
	}
	if u.Status != user.StatusActive {
		return e.deny(ctx, attempt, fmt.Sprintf("user is %s", u.Status)), nil
	}

	active := e.tracker.ListActive(attempt.UserID, e.window)
	decision := Decision{
		ActiveDevices: len(active),
		ActiveIPs:     len(e.tracker.ActiveIPs(attempt.UserID, e.window)),
	}

	if u.DeviceLimit > 0 && !hasDevice(active, attempt.DeviceID) && decision.ActiveDevices >= u.DeviceLimit {
		d := e.deny(ctx, attempt,
			fmt.Sprintf("device limit reached (%d/%d)", decision.ActiveDevices, u.DeviceLimit))
		d.ActiveDevices = decision.ActiveDevices
		d.ActiveIPs = decision.ActiveIPs
		return d, nil
	}
	if u.IPLimit > 0 && !hasIP(active, attempt.IP) && decision.ActiveIPs >= u.IPLimit {
		d := e.deny(ctx, attempt,
			fmt.Sprintf("ip limit reached (%d/%d)", decision.ActiveIPs, u.IPLimit))
		d.ActiveDevices = decision.ActiveDevices
		d.ActiveIPs = decision.ActiveIPs
		return d, nil
	}

	e.tracker.Touch(attempt.UserID, TouchInfo{
		DeviceID:  attempt.DeviceID,
		InboundID: attempt.InboundID,
		IP:        attempt.IP,
		UserAgent: attempt.UserAgent,
	})
	decision.Allowed = true
	e.appendLog(ctx, attempt.UserID, attempt.InboundID, attempt.IP, traffic.ActionConnect)
	e.publish(ctx, "session.connect", SessionEvent{
		UserID:    attempt.UserID,
		DeviceID:  attempt.DeviceID,
		InboundID: attempt.InboundID,
		IP:        attempt.IP,
	})
	return decision, nil
}

// Disconnect drops one device or, with an empty deviceID, every device of
// the user. Returns the dropped device and distinct IP counts.
func (e *Enforcer) Disconnect(ctx context.Context, userID uint, deviceID string) (devices, ips int) {
	if deviceID == "" {
		devices, ips = e.tracker.DisconnectAll(userID)
		if devices > 0 {
			e.appendLog(ctx, userID, 0, "", traffic.ActionDisconnect)
			e.publish(ctx, "session.disconnect", SessionEvent{UserID: userID, Devices: devices})
		}
		return devices, ips
	}
	if e.tracker.Revoke(userID, deviceID) {
		e.appendLog(ctx, userID, 0, "", traffic.ActionDisconnect)
		e.publish(ctx, "session.disconnect", SessionEvent{UserID: userID, DeviceID: deviceID, Devices: 1})
		return 1, 0
	}
	return 0, 0
}

func (e *Enforcer) deny(ctx context.Context, attempt Attempt, reason string) Decision {
	e.logger.Infow("connection denied",
		"user_id", attempt.UserID, "device_id", attempt.DeviceID,
		"inbound_id", attempt.InboundID, "ip", attempt.IP, "reason", reason)
	e.appendLog(ctx, attempt.UserID, attempt.InboundID, attempt.IP, traffic.ActionDisconnect)
	return Decision{Reason: reason}
}

func (e *Enforcer) appendLog(ctx context.Context, userID, inboundID uint, ip string, action traffic.ConnectionAction) {
	if e.conns == nil {
		return
	}
	entry := &traffic.ConnectionLog{
		UserID:    userID,
		InboundID: inboundID,
		Action:    action,
		ClientIP:  ip,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.conns.Append(ctx, entry); err != nil {
		e.logger.Warnw("failed to append connection log", "user_id", userID, "error", err)
	}
}

func (e *Enforcer) publish(ctx context.Context, eventType string, data SessionEvent) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, stream.Event{Type: eventType, Data: data})
}

func hasDevice(devices []Device, deviceID string) bool {
	for _, device := range devices {
		if device.ID == deviceID {
			return true
		}
	}
	return false
}

func hasIP(devices []Device, ip string) bool {
	for _, device := range devices {
		if device.IP == ip {
			return true
		}
	}
	return false
}
