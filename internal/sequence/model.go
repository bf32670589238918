package sequence

import "time"

// Sequence is a named drip campaign scoped to one group chat.
type Sequence struct {
	ID        uint64 `gorm:"primaryKey"`
	ScopeID   int64  `gorm:"not null;uniqueIndex:ux_sequences_scope_key,priority:1;index:ix_sequences_trigger,priority:1"`
	Key       string `gorm:"type:text;not null;uniqueIndex:ux_sequences_scope_key,priority:2"`
	Name      string `gorm:"type:text;not null"`
	Trigger   string `gorm:"column:trigger_name;type:text;not null;index:ix_sequences_trigger,priority:2"`
	Enabled   bool   `gorm:"not null"`
	CreatedBy int64  `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Step rows are never deleted; a step dropped from the plan is blanked so
// old run steps still point at a real row.
type Step struct {
	ID             uint64 `gorm:"primaryKey"`
	SequenceID     uint64 `gorm:"not null;uniqueIndex:ux_sequence_steps_order,priority:1"`
	StepOrder      int    `gorm:"not null;uniqueIndex:ux_sequence_steps_order,priority:2"`
	DelaySeconds   int    `gorm:"not null"`
	Text           string `gorm:"type:text;not null"`
	ParseMode      string `gorm:"type:text;not null"`
	DisablePreview bool   `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Step) TableName() string { return "sequence_steps" }

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one execution of a sequence for one subject. TriggerKey makes a
// start idempotent.
type Run struct {
	ID         uint64    `gorm:"primaryKey"`
	SequenceID uint64    `gorm:"not null;uniqueIndex:ux_sequence_runs_trigger,priority:1"`
	SubjectID  int64     `gorm:"not null;uniqueIndex:ux_sequence_runs_trigger,priority:2"`
	TriggerKey string    `gorm:"type:text;not null;uniqueIndex:ux_sequence_runs_trigger,priority:3"`
	Status     RunStatus `gorm:"type:text;index;not null"`
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
	LastError  *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Run) TableName() string { return "sequence_runs" }

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSent      StepStatus = "sent"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

type RunStep struct {
	ID        uint64     `gorm:"primaryKey"`
	RunID     uint64     `gorm:"not null;uniqueIndex:ux_sequence_run_steps_step,priority:1"`
	StepID    uint64     `gorm:"not null;uniqueIndex:ux_sequence_run_steps_step,priority:2"`
	Status    StepStatus `gorm:"type:text;index;not null"`
	RunAt     time.Time  `gorm:"not null"`
	Attempts  int        `gorm:"not null;default:0"`
	SentAt    *time.Time
	MessageID *int64
	Error     *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (RunStep) TableName() string { return "sequence_run_steps" }
