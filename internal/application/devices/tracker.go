// Package devices tracks which devices and source IPs each user is
// currently using, in memory, and enforces per-user device and IP limits.
package devices

import (
	"sort"
	"sync"
	"time"
)

const shardCount = 16

// Device is one tracked endpoint of a user. A device is identified by the
// client-supplied device id; the IP and inbound are whatever it last
// connected with.
type Device struct {
	ID        string    `json:"id"`
	InboundID uint      `json:"inboundId,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// TouchInfo carries one observed sighting of a device.
type TouchInfo struct {
	DeviceID  string
	InboundID uint
	IP        string
	UserAgent string
}

type shard struct {
	mu    sync.Mutex
	users map[uint]map[string]*Device
}

// Tracker is a sharded in-memory device table with lazy TTL eviction:
// expired entries are dropped when their user is next read or written. The
// tracker's own TTL bounds memory; readers narrow their view per call.
type Tracker struct {
	shards [shardCount]*shard
	ttl    time.Duration
	now    func() time.Time
}

func NewTracker(ttlSec int) *Tracker {
	if ttlSec < 30 {
		ttlSec = 30
	}
	t := &Tracker{
		ttl: time.Duration(ttlSec) * time.Second,
		now: time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[uint]map[string]*Device)}
	}
	return t
}

func (t *Tracker) shardFor(userID uint) *shard {
	return t.shards[userID%shardCount]
}

// Touch records activity for a user's device, creating it on first sight.
func (t *Tracker) Touch(userID uint, info TouchInfo) {
	deviceID := info.DeviceID
	if deviceID == "" {
		deviceID = "ip:" + info.IP
	}
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := s.users[userID]
	if devices == nil {
		devices = make(map[string]*Device)
		s.users[userID] = devices
	}
	t.evictLocked(devices, now)

	device := devices[deviceID]
	if device == nil {
		device = &Device{ID: deviceID, FirstSeen: now}
		devices[deviceID] = device
	}
	device.IP = info.IP
	if info.InboundID != 0 {
		device.InboundID = info.InboundID
	}
	if info.UserAgent != "" {
		device.UserAgent = info.UserAgent
	}
	device.LastSeen = now
}

// ListActive returns the user's devices seen within ttl, most recently seen
// first. A non-positive ttl means the tracker's full retention window.
func (t *Tracker) ListActive(userID uint, ttl time.Duration) []Device {
	if ttl <= 0 || ttl > t.ttl {
		ttl = t.ttl
	}
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := s.users[userID]
	if devices == nil {
		return nil
	}
	t.evictLocked(devices, now)
	if len(devices) == 0 {
		delete(s.users, userID)
		return nil
	}

	out := make([]Device, 0, len(devices))
	for _, device := range devices {
		if now.Sub(device.LastSeen) > ttl {
			continue
		}
		out = append(out, *device)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].LastSeen.Equal(out[b].LastSeen) {
			return out[a].ID < out[b].ID
		}
		return out[a].LastSeen.After(out[b].LastSeen)
	})
	return out
}

// ActiveIPs returns the distinct source IPs of devices seen within ttl.
func (t *Tracker) ActiveIPs(userID uint, ttl time.Duration) []string {
	seen := map[string]struct{}{}
	var ips []string
	for _, device := range t.ListActive(userID, ttl) {
		if device.IP == "" {
			continue
		}
		if _, dup := seen[device.IP]; dup {
			continue
		}
		seen[device.IP] = struct{}{}
		ips = append(ips, device.IP)
	}
	return ips
}

// Revoke drops one device. Returns whether it existed.
func (t *Tracker) Revoke(userID uint, deviceID string) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := s.users[userID]
	if devices == nil {
		return false
	}
	if _, ok := devices[deviceID]; !ok {
		return false
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(s.users, userID)
	}
	return true
}

// DisconnectAll drops every device of a user, returning how many devices
// and distinct IPs were live.
func (t *Tracker) DisconnectAll(userID uint) (devices, ips int) {
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked := s.users[userID]
	if tracked == nil {
		return 0, 0
	}
	t.evictLocked(tracked, now)
	seen := map[string]struct{}{}
	for _, device := range tracked {
		if device.IP != "" {
			seen[device.IP] = struct{}{}
		}
	}
	devices, ips = len(tracked), len(seen)
	delete(s.users, userID)
	return devices, ips
}

func (t *Tracker) evictLocked(devices map[string]*Device, now time.Time) {
	for id, device := range devices {
		if now.Sub(device.LastSeen) > t.ttl {
			delete(devices, id)
		}
	}
}
