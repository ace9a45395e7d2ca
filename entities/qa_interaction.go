package entities

import "time"

// QAInteraction is an append-only record of one question answered against a
// meeting's finalized transcript. Rows are never updated after creation.
type QAInteraction struct {
	ID           int64     `json:"id" gorm:"primary_key;autoIncrement"`
	MeetingID    string    `json:"meeting_id" gorm:"type:varchar(64);not null;index:idx_qa_meeting"`
	Question     string    `json:"question" gorm:"type:text;not null"`
	Answer       string    `json:"answer" gorm:"type:text;not null"`
	ContextChars int       `json:"context_chars" gorm:"type:integer;not null;default:0"`
	ModelUsed    string    `json:"model_used" gorm:"type:varchar(64)"`
	ResponseTime float64   `json:"response_time" gorm:"type:double precision;not null;default:0"`
	CreatedAt    time.Time `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`

	Meeting Meeting `json:"-" gorm:"foreignKey:MeetingID;references:MeetingID;constraint:OnDelete:CASCADE"`
}

func (QAInteraction) TableName() string {
	return "qa_interactions"
}
