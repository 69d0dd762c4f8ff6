package bus

import "time"

// Event kinds published by the archive.
const (
	RegistryStatusChanged = "registry.status_changed"
	SyncPageStored        = "sync.page_stored"
	SyncTombstoned        = "sync.tombstoned"
	JobCompleted          = "job.completed"
	JobRetried            = "job.retried"
	JobFailed             = "job.failed"
	DaemonStateChanged    = "daemon.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
