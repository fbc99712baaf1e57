package sessionstore

import (
	"time"

	"gorm.io/gorm"
)

// SessionRecord is one coordinated session.
type SessionRecord struct {
	gorm.Model
	SessionID    string `gorm:"uniqueIndex;not null"`
	Owner        string `gorm:"index;not null"` // hex public key
	Threshold    uint16
	Parties      uint16
	Participants string // comma separated hex public keys, in index order
	Joined       uint16
	State        string `gorm:"index;not null"` // waiting, active, completed, timed_out
	ClosedAt     *time.Time
	Output       string // what a completed session produced, such as an address
}

// TableName specifies the table name for SessionRecord.
func (SessionRecord) TableName() string {
	return "sessions"
}
