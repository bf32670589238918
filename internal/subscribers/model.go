package subscribers

import "time"

// Subscriber tracks whether a private chat can still receive bot messages.
// Deliverable is driven by send outcomes; OptedOut only by the user.
type Subscriber struct {
	RecipientID int64   `gorm:"primaryKey;autoIncrement:false"`
	Username    *string `gorm:"type:text"`
	FirstName   *string `gorm:"type:text"`
	LastName    *string `gorm:"type:text"`

	OptedOut    bool `gorm:"not null;default:false"`
	Deliverable bool `gorm:"index;not null"`
	FailCount   int  `gorm:"not null;default:0"`

	LastError *string `gorm:"type:text"`

	FirstSeenAt time.Time `gorm:"not null"`
	LastSeenAt  time.Time `gorm:"index;not null"`
	LastOKAt    *time.Time
	LastFailAt  *time.Time
}
