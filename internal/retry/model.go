package retry

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Message is one row of the active retry queue.
// A claimed row carries a receipt and stays invisible until VisibleAt.
type Message struct {
	ID    string `gorm:"type:uuid;primaryKey"`
	Queue string `gorm:"type:text;not null;uniqueIndex:uq_retry_messages_attempt,priority:1;index:idx_retry_messages_due,priority:1"`

	InvoiceID     string `gorm:"type:text;not null;uniqueIndex:uq_retry_messages_attempt,priority:2"`
	AttemptNumber int    `gorm:"not null;uniqueIndex:uq_retry_messages_attempt,priority:3"`

	Body datatypes.JSON `gorm:"type:jsonb;not null"`

	VisibleAt    time.Time `gorm:"type:timestamptz;not null;index:idx_retry_messages_due,priority:2"`
	Receipt      *string   `gorm:"type:text"`
	ReceiveCount int       `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (Message) TableName() string { return "retry_messages" }

// DeadLetterRow stores exhausted jobs, one per invoice.
type DeadLetterRow struct {
	InvoiceID      string         `gorm:"type:text;primaryKey"`
	Queue          string         `gorm:"type:text;not null"`
	UserID         string         `gorm:"type:text;index"`
	CustomerID     string         `gorm:"type:text;index"`
	AttemptNumber  int            `gorm:"not null"`
	Reason         string         `gorm:"type:text;not null"`
	FailureHistory pq.StringArray `gorm:"type:text[]"`
	Body           datatypes.JSON `gorm:"type:jsonb;not null"`
	MovedToDLQ     time.Time      `gorm:"column:moved_to_dlq;type:timestamptz;not null;index"`
}

func (DeadLetterRow) TableName() string { return "dead_letters" }
