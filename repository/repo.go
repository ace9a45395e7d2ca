package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"voicemind/constant"
	"voicemind/entities"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type MeetingRepository interface {
	Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error
	CreateMeeting(ctx context.Context, meeting *entities.Meeting) error
	GetMeeting(ctx context.Context, meetingId string) (*entities.Meeting, error)
	ListMeetings(ctx context.Context) ([]*entities.Meeting, error)
	GetActiveMeetings(ctx context.Context) ([]*entities.Meeting, error)
	UpdateMeetingStatus(ctx context.Context, meetingId string, status constant.MeetingStatus, endTime *time.Time) error
	UpdateMeetingCounters(ctx context.Context, meetingId string, totalChunks int, totalDuration float64) error
	UpdateMeetingLanguage(ctx context.Context, meetingId string, language string) error
	WriteFinalTranscript(ctx context.Context, meetingId string, transcript string, summary string, agenda string) error
	InsertChunk(ctx context.Context, chunk *entities.AudioChunk) error
	GetChunk(ctx context.Context, meetingId string, chunkNumber int) (*entities.AudioChunk, error)
	GetChunksByMeetingId(ctx context.Context, meetingId string) ([]*entities.AudioChunk, error)
	UpdateChunkTranscript(ctx context.Context, chunkId uuid.UUID, segment string, language string, confidence float64) error
	MarkChunkTranscriptionFailed(ctx context.Context, chunkId uuid.UUID) error
	SaveInteraction(ctx context.Context, interaction *entities.QAInteraction) error
	ListInteractions(ctx context.Context, meetingId string) ([]*entities.QAInteraction, error)
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) MeetingRepository {
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger:         logger.Default.LogMode(logger.Warn),
			TranslateError: true,
		},
	)
	return &repo{
		db: gormDB,
	}
}

type txKey struct{}

// conn returns the transaction handle carried in ctx, falling back to the
// root connection.
func (r *repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(context.WithValue(ctx, txKey{}, tx))
	}, opts...)
}

func (r *repo) CreateMeeting(ctx context.Context, meeting *entities.Meeting) error {
	err := r.conn(ctx).Create(meeting).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *repo) GetMeeting(ctx context.Context, meetingId string) (*entities.Meeting, error) {
	meeting := &entities.Meeting{}
	err := r.conn(ctx).First(meeting, "meeting_id = ?", meetingId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return meeting, nil
}

func (r *repo) ListMeetings(ctx context.Context) ([]*entities.Meeting, error) {
	var meetings []*entities.Meeting
	err := r.conn(ctx).Order("start_time DESC").Find(&meetings).Error
	if err != nil {
		return nil, err
	}
	return meetings, nil
}

func (r *repo) GetActiveMeetings(ctx context.Context) ([]*entities.Meeting, error) {
	var meetings []*entities.Meeting
	err := r.conn(ctx).
		Where("status IN ?", []constant.MeetingStatus{constant.MeetingStatusRecording, constant.MeetingStatusProcessing}).
		Find(&meetings).Error
	if err != nil {
		return nil, err
	}
	return meetings, nil
}

func (r *repo) UpdateMeetingStatus(ctx context.Context, meetingId string, status constant.MeetingStatus, endTime *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if endTime != nil {
		updates["end_time"] = *endTime
	}
	return r.conn(ctx).Model(&entities.Meeting{}).Where("meeting_id = ?", meetingId).Updates(updates).Error
}

func (r *repo) UpdateMeetingCounters(ctx context.Context, meetingId string, totalChunks int, totalDuration float64) error {
	updates := map[string]interface{}{
		"total_chunks":   totalChunks,
		"total_duration": totalDuration,
		"updated_at":     time.Now(),
	}
	return r.conn(ctx).Model(&entities.Meeting{}).Where("meeting_id = ?", meetingId).Updates(updates).Error
}

func (r *repo) UpdateMeetingLanguage(ctx context.Context, meetingId string, language string) error {
	return r.conn(ctx).Model(&entities.Meeting{}).Where("meeting_id = ?", meetingId).Update("language", language).Error
}

func (r *repo) WriteFinalTranscript(ctx context.Context, meetingId string, transcript string, summary string, agenda string) error {
	updates := map[string]interface{}{
		"full_transcript": transcript,
		"summary":         summary,
		"agenda":          agenda,
		"updated_at":      time.Now(),
	}
	return r.conn(ctx).Model(&entities.Meeting{}).Where("meeting_id = ?", meetingId).Updates(updates).Error
}

func (r *repo) InsertChunk(ctx context.Context, chunk *entities.AudioChunk) error {
	err := r.conn(ctx).Create(chunk).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *repo) GetChunk(ctx context.Context, meetingId string, chunkNumber int) (*entities.AudioChunk, error) {
	chunk := &entities.AudioChunk{}
	err := r.conn(ctx).First(chunk, "meeting_id = ? AND chunk_number = ?", meetingId, chunkNumber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (r *repo) GetChunksByMeetingId(ctx context.Context, meetingId string) ([]*entities.AudioChunk, error) {
	var chunks []*entities.AudioChunk
	err := r.conn(ctx).Where("meeting_id = ?", meetingId).Order("chunk_number ASC").Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *repo) UpdateChunkTranscript(ctx context.Context, chunkId uuid.UUID, segment string, language string, confidence float64) error {
	updates := map[string]interface{}{
		"transcript_segment":   segment,
		"language":             language,
		"confidence":           confidence,
		"transcription_status": constant.TranscriptionStatusCompleted,
	}
	return r.conn(ctx).Model(&entities.AudioChunk{}).Where("id = ?", chunkId).Updates(updates).Error
}

func (r *repo) MarkChunkTranscriptionFailed(ctx context.Context, chunkId uuid.UUID) error {
	return r.conn(ctx).Model(&entities.AudioChunk{}).Where("id = ?", chunkId).
		Update("transcription_status", constant.TranscriptionStatusFailed).Error
}

func (r *repo) SaveInteraction(ctx context.Context, interaction *entities.QAInteraction) error {
	return r.conn(ctx).Create(interaction).Error
}

func (r *repo) ListInteractions(ctx context.Context, meetingId string) ([]*entities.QAInteraction, error) {
	var interactions []*entities.QAInteraction
	err := r.conn(ctx).Where("meeting_id = ?", meetingId).Order("created_at ASC").Find(&interactions).Error
	if err != nil {
		return nil, err
	}
	return interactions, nil
}

// PurgeCompleted deletes completed meetings older than the given age. Failed
// meetings are never purged here; that stays an operator decision. Chunk and
// interaction rows go with the meeting via the cascade foreign keys.
func (r *repo) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := r.conn(ctx).
		Where("status = ? AND start_time < ?", constant.MeetingStatusCompleted, cutoff).
		Delete(&entities.Meeting{})
	return result.RowsAffected, result.Error
}
