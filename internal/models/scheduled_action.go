package models

import (
	"encoding/json"
	"time"
)

// Action is the operation applied to a content item when a schedule fires.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
	ActionArchive   Action = "archive"
)

var Actions = []Action{ActionPublish, ActionUnpublish, ActionArchive}

func (a Action) Valid() bool {
	switch a {
	case ActionPublish, ActionUnpublish, ActionArchive:
		return true
	}
	return false
}

// Status is the stored lifecycle state of a scheduled action.
type Status string

const (
	StatusPending Status = "pending"
	// StatusRunning marks a row claimed by a dispatcher. It is never shown
	// to operators; see PublicStatus.
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PublicStatuses is the status vocabulary exposed to operators.
var PublicStatuses = []Status{StatusPending, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Public maps the internal claim marker onto pending.
func (s Status) Public() Status {
	if s == StatusRunning {
		return StatusPending
	}
	return s
}

func ParsePublicStatus(v string) (Status, bool) {
	for _, s := range PublicStatuses {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

type ScheduledAction struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	BatchID   string `gorm:"size:36;not null;index" json:"batch_id"`
	ContentID string `gorm:"size:255;not null;uniqueIndex:idx_active_content_action,where:status = 'pending' OR status = 'running'" json:"content_id"`
	Action    Action `gorm:"size:20;not null;uniqueIndex:idx_active_content_action" json:"action"`
	// ScheduledAt is always UTC.
	ScheduledAt time.Time `gorm:"not null;index:idx_status_scheduled_at,priority:2" json:"scheduled_at"`
	Timezone    string    `gorm:"size:64;not null" json:"timezone"`
	Status      Status    `gorm:"size:20;not null;default:'pending';index:idx_status_scheduled_at,priority:1" json:"status"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int       `gorm:"not null;default:3" json:"max_attempts"`
	LastError   string    `gorm:"type:text" json:"last_error,omitempty"`

	ClaimToken     string     `gorm:"size:36;index" json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`

	CreatedBy   string     `gorm:"size:255" json:"created_by"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// MarshalJSON reports the public status and flags claimed rows.
func (a ScheduledAction) MarshalJSON() ([]byte, error) {
	type plain ScheduledAction
	return json.Marshal(struct {
		plain
		Status  Status `json:"status"`
		Claimed bool   `json:"claimed,omitempty"`
	}{
		plain:   plain(a),
		Status:  a.Status.Public(),
		Claimed: a.Status == StatusRunning,
	})
}
