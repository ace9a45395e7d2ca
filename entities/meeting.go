package entities

import (
	"time"

	"voicemind/constant"
)

// Meeting is the aggregate root: one row per recording session, owning its
// audio chunks and Q&A interactions via cascade foreign keys.
type Meeting struct {
	MeetingID      string                 `json:"meeting_id" gorm:"type:varchar(64);primary_key"`
	Title          *string                `json:"title" gorm:"type:varchar(255)"`
	Status         constant.MeetingStatus `json:"status" gorm:"type:varchar(20);not null;default:'recording';index:idx_meetings_status"`
	Language       string                 `json:"language" gorm:"type:varchar(16);not null;default:'auto'"`
	StartTime      time.Time              `json:"start_time" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
	EndTime        *time.Time             `json:"end_time" gorm:"type:timestamptz"`
	TotalChunks    int                    `json:"total_chunks" gorm:"type:integer;not null;default:0"`
	TotalDuration  float64                `json:"total_duration" gorm:"type:double precision;not null;default:0"`
	FullTranscript string                 `json:"full_transcript" gorm:"type:text"`
	Summary        string                 `json:"summary" gorm:"type:text"`
	Agenda         string                 `json:"agenda" gorm:"type:text"`
	CreatedAt      time.Time              `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time              `json:"updated_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (Meeting) TableName() string {
	return "meetings"
}
