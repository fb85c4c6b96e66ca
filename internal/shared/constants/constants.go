// Package constants defines shared table names and fixed identifiers.
package constants

// Database table names.
const (
	TableUsers         = "users"
	TableInbounds      = "inbounds"
	TableUserInbounds  = "user_inbounds"
	TableGroups        = "groups"
	TableGroupInbounds = "group_inbounds"
	TableUserGroups    = "user_groups"
	TableConnectionLog = "connection_logs"
	TableTrafficLog    = "traffic_logs"
	TableUpdateHistory = "update_history"
	TableUpdateLocks   = "update_locks"
)

// Fixed data-plane tags.
const (
	APIInboundTag  = "api"
	APIOutboundTag = "api"
	DirectTag      = "direct"
	BlockedTag     = "blocked"
)

// UpdateLockName is the single process-wide lock guarding data-plane updates.
const UpdateLockName = "xray-update"
