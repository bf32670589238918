package jobs

import (
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type Job struct {
	ID uint64 `gorm:"primaryKey"`

	Type    Type           `gorm:"type:text;not null"`
	Payload datatypes.JSON `gorm:"not null"`

	RunAt  time.Time `gorm:"index;not null"`
	Status Status    `gorm:"type:text;index;not null;default:'pending'"`

	// Attempts counts claims. Failures counts consecutive executor errors and
	// is what MaxFailures bounds.
	Attempts    int `gorm:"not null;default:0"`
	Failures    int `gorm:"not null;default:0"`
	MaxFailures int `gorm:"not null;default:8"`

	LockedBy *string    `gorm:"type:text"`
	LockedAt *time.Time `gorm:"index"`

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Claimed is a job owned by the claiming worker until it reports a verdict.
type Claimed struct {
	ID          uint64
	Type        Type
	Payload     Payload // nil when DecodeErr is set
	DecodeErr   error
	Attempts    int
	Failures    int
	MaxFailures int
	RunAt       time.Time
}

const maxErrorLen = 4000

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
