package entities

import (
	"time"

	"github.com/google/uuid"

	"voicemind/constant"
)

// AudioChunk is one uploaded audio segment. The unique index on
// (meeting_id, chunk_number) is what makes retried uploads idempotent:
// a redelivered chunk hits the constraint instead of creating a second row.
// The raw payload lives in object storage; ObjectName is the pointer.
type AudioChunk struct {
	ID                  uuid.UUID                    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	MeetingID           string                       `json:"meeting_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_meeting_chunk,priority:1"`
	ChunkNumber         int                          `json:"chunk_number" gorm:"not null;uniqueIndex:ux_meeting_chunk,priority:2"`
	ChunkTimestamp      int64                        `json:"chunk_timestamp" gorm:"type:bigint;not null"`
	SampleRate          int                          `json:"sample_rate" gorm:"type:integer;not null"`
	DurationSeconds     float64                      `json:"duration_seconds" gorm:"type:double precision;not null;default:0"`
	ObjectName          string                       `json:"object_name" gorm:"type:varchar(500);not null"`
	SizeBytes           int64                        `json:"size_bytes" gorm:"type:bigint;not null;default:0"`
	TranscriptSegment   *string                      `json:"transcript_segment" gorm:"type:text"`
	Language            *string                      `json:"language" gorm:"type:varchar(16)"`
	Confidence          *float64                     `json:"confidence" gorm:"type:double precision"`
	SpeakerTag          *string                      `json:"speaker_tag" gorm:"type:varchar(64)"`
	TranscriptionStatus constant.TranscriptionStatus `json:"transcription_status" gorm:"type:varchar(20);not null;default:'PENDING';check:transcription_status IN ('PENDING', 'COMPLETED', 'FAILED')"`
	CreatedAt           time.Time                    `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`

	Meeting Meeting `json:"-" gorm:"foreignKey:MeetingID;references:MeetingID;constraint:OnDelete:CASCADE"`
}

func (AudioChunk) TableName() string {
	return "audio_chunks"
}
