package constants

// Job names, used for locks, metrics labels and the manual trigger endpoint.
const (
	JobSLAScan   = "sla-scan"
	JobReconcile = "reconcile"
)

// Redis key names, relative to the configured prefix
const (
	OrganizationsKey        = "organizations"
	PendingNotificationsKey = "notifications:pending"
	AutomationSignalsStream = "automation_signals"
	JobLockKeyPrefix        = "job:lock:"
)

// Setting names stored in the organization/room settings hash
const (
	SettingLastVerifiedMessageID = "LastVerifiedMessageId"
)

// Actor recorded when the engine itself writes a setting.
const SystemActor = "system:missing-conversation-reconciler"
