package audit

import "time"

const (
	ActionMigrateApply    = "migrate.apply"
	ActionMigrateRollback = "migrate.rollback"
	ActionBackupCreate    = "backup.create"
	ActionBackupRestore   = "backup.restore"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is what callers hand to the trail.
type Event struct {
	Timestamp time.Time
	Action    string
	TargetID  string
	Result    string
	Details   any
}

// RecordedEvent is an event as persisted, with its position in the hash
// chain.
type RecordedEvent struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	TargetID    string `json:"target_id,omitempty"`
	Result      string `json:"result"`
	DetailsJSON string `json:"details_json,omitempty"`
	PrevHash    string `json:"prev_hash"`
	EventHash   string `json:"event_hash"`
}

type VerifyResult struct {
	Valid      bool
	EventCount int
	ChainTip   string
	Error      string
}
