package broadcast

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSending TargetStatus = "sending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
)

type Broadcast struct {
	ID        uint64 `gorm:"primaryKey"`
	CreatedBy int64  `gorm:"index;not null"`

	Text           string `gorm:"type:text;not null"`
	ParseMode      string `gorm:"type:text;not null"`
	DisablePreview bool   `gorm:"not null"`
	Unsubscribe    bool   `gorm:"not null"`

	ScheduledAt time.Time `gorm:"not null"`
	Status      Status    `gorm:"type:text;index;not null"`
	StartedAt   *time.Time
	FinishedAt  *time.Time

	TotalTargets int `gorm:"not null;default:0"`
	SentCount    int `gorm:"not null;default:0"`
	FailedCount  int `gorm:"not null;default:0"`

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Target is one recipient of a broadcast. A target is claimed by flipping it
// from pending to sending under a fresh ClaimToken; only the holder of that
// token may settle it.
type Target struct {
	ID          uint64       `gorm:"primaryKey"`
	BroadcastID uint64       `gorm:"not null;uniqueIndex:ux_broadcast_targets_recipient,priority:1;index:ix_broadcast_targets_status,priority:1"`
	RecipientID int64        `gorm:"not null;uniqueIndex:ux_broadcast_targets_recipient,priority:2;index:ix_broadcast_targets_recipient"`
	Status      TargetStatus `gorm:"type:text;not null;index:ix_broadcast_targets_status,priority:2"`

	ClaimToken *string    `gorm:"type:text"`
	ClaimedAt  *time.Time `gorm:"index"`

	MessageID *int64
	SentAt    *time.Time
	Error     *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Target) TableName() string { return "broadcast_targets" }
