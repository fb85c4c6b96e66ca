// Package user defines the user aggregate: identity, credentials, quota
// counters, and lifecycle status.
package user

import "time"

// Status is the lifecycle state of a user.
type Status string

const (
	StatusActive   Status = "active"
	StatusLimited  Status = "limited"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
)

// User is the authoritative account record. Traffic counters are monotonic
// except across explicit resets.
type User struct {
	ID                uint
	Email             string
	UUID              string
	Password          string
	SubscriptionToken string
	Status            Status
	DataLimit         uint64 // bytes, 0 means unlimited
	UploadUsed        uint64
	DownloadUsed      uint64
	ExpireDate        *time.Time
	IPLimit           int // 0 means unlimited
	DeviceLimit       int // 0 means unlimited
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TotalUsed returns the combined byte usage.
func (u *User) TotalUsed() uint64 {
	return u.UploadUsed + u.DownloadUsed
}

// OverQuota reports whether usage has reached the data limit.
func (u *User) OverQuota() bool {
	return u.DataLimit > 0 && u.TotalUsed() >= u.DataLimit
}

// Expired reports whether the expire date has passed at the given instant.
func (u *User) Expired(now time.Time) bool {
	return u.ExpireDate != nil && now.After(*u.ExpireDate)
}

// StatKeys returns the candidate identifiers the data plane may meter this
// user under, in preference order, deduplicated.
func (u *User) StatKeys() []string {
	keys := make([]string, 0, 2)
	if u.Email != "" {
		keys = append(keys, u.Email)
	}
	if u.UUID != "" && u.UUID != u.Email {
		keys = append(keys, u.UUID)
	}
	return keys
}
