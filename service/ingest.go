package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicemind/constant"
	"voicemind/entities"
	"voicemind/pkg/blob"
	"voicemind/repository"
)

const bytesPerSample = 2 // 16-bit mono PCM

type IngestRequest struct {
	MeetingId   string
	ChunkNumber int
	Timestamp   int64
	SampleRate  int
	Payload     []byte
	SpeakerTag  *string
}

type IngestResult struct {
	Chunk     *entities.AudioChunk
	Duplicate bool
}

// IngestionPipeline accepts chunk uploads from the device. Arrival order is
// not assumed: the transport is at-least-once, chunks may arrive out of
// numeric order, and a retried upload of an already-stored chunk is a no-op
// success.
type IngestionPipeline struct {
	registry    *Registry
	repo        repository.MeetingRepository
	blobs       blob.Store
	transcriber Transcriber
	maxRetries  uint

	inflight sync.WaitGroup
}

func NewIngestionPipeline(registry *Registry, repo repository.MeetingRepository, blobs blob.Store, transcriber Transcriber, maxRetries uint) *IngestionPipeline {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &IngestionPipeline{
		registry:    registry,
		repo:        repo,
		blobs:       blobs,
		transcriber: transcriber,
		maxRetries:  maxRetries,
	}
}

func (p *IngestionPipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	sess, err := p.registry.lookup(req.MeetingId)
	if err != nil {
		// The session may have been purged after its grace window while the
		// meeting row still exists; that is a closed session, not an unknown one.
		if _, repoErr := p.repo.GetMeeting(ctx, req.MeetingId); repoErr == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, req.MeetingId)
		}
		return nil, err
	}

	if req.ChunkNumber < 0 {
		return nil, fmt.Errorf("%w: negative chunk number %d", ErrInvalidChunk, req.ChunkNumber)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidChunk)
	}
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidChunk, req.SampleRate)
	}

	// The blob write is a network call; it runs before the meeting lock so
	// same-meeting uploads do not serialize on object storage. A retried upload
	// overwrites the same object with the same bytes.
	objectName := blob.ChunkObjectName(req.MeetingId, req.ChunkNumber)
	if err := p.blobs.Put(ctx, objectName, req.Payload); err != nil {
		return nil, err
	}

	sess.mu.Lock()
	result, err := p.ingestLocked(ctx, sess, req, objectName)
	sess.mu.Unlock()
	if err != nil {
		p.discardOrphan(ctx, req.MeetingId, req.ChunkNumber)
		return nil, err
	}

	// Transcription happens off the meeting lock; its result is written back
	// under a fresh, short-held acquisition.
	if !result.Duplicate && p.transcriber != nil {
		payload := req.Payload
		chunk := result.Chunk
		p.inflight.Add(1)
		go p.transcribeChunk(context.WithoutCancel(ctx), sess, chunk, payload)
	}

	return result, nil
}

func (p *IngestionPipeline) ingestLocked(ctx context.Context, sess *session, req IngestRequest, objectName string) (*IngestResult, error) {
	now := time.Now()
	if !sess.acceptingChunks(now, p.registry.graceWindow) {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, req.MeetingId)
	}

	if existing, err := p.repo.GetChunk(ctx, req.MeetingId, req.ChunkNumber); err == nil {
		zerolog.Ctx(ctx).Debug().
			Str("meeting_id", req.MeetingId).
			Int("chunk_number", req.ChunkNumber).
			Msg("duplicate chunk upload, returning stored result")
		p.resyncCounters(ctx, sess, req.MeetingId)
		return &IngestResult{Chunk: existing, Duplicate: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	duration := float64(len(req.Payload)) / float64(req.SampleRate*bytesPerSample)
	chunk := &entities.AudioChunk{
		ID:                  uuid.New(),
		MeetingID:           req.MeetingId,
		ChunkNumber:         req.ChunkNumber,
		ChunkTimestamp:      req.Timestamp,
		SampleRate:          req.SampleRate,
		DurationSeconds:     duration,
		ObjectName:          objectName,
		SizeBytes:           int64(len(req.Payload)),
		SpeakerTag:          req.SpeakerTag,
		TranscriptionStatus: constant.TranscriptionStatusPending,
		CreatedAt:           now,
	}

	// The chunk row and the counters land in one transaction, so total_chunks
	// and total_duration always match what is actually stored.
	totalChunks := sess.meeting.TotalChunks + 1
	totalDuration := sess.meeting.TotalDuration + duration
	err := p.repo.Transaction(ctx, func(ctx context.Context) error {
		if err := p.repo.InsertChunk(ctx, chunk); err != nil {
			return err
		}
		return p.repo.UpdateMeetingCounters(ctx, req.MeetingId, totalChunks, totalDuration)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost the race against a concurrent retry of the same chunk.
			existing, getErr := p.repo.GetChunk(ctx, req.MeetingId, req.ChunkNumber)
			if getErr != nil {
				return nil, getErr
			}
			p.resyncCounters(ctx, sess, req.MeetingId)
			return &IngestResult{Chunk: existing, Duplicate: true}, nil
		}
		return nil, err
	}

	sess.meeting.TotalChunks = totalChunks
	sess.meeting.TotalDuration = totalDuration
	sess.lastChunkAt = now

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", req.MeetingId).
		Int("chunk_number", req.ChunkNumber).
		Float64("duration", duration).
		Int("total_chunks", sess.meeting.TotalChunks).
		Msg("chunk accepted")

	return &IngestResult{Chunk: chunk}, nil
}

// resyncCounters recomputes the meeting counters from the stored chunks and
// persists them when they drifted, for example when a retried upload follows a
// write that committed the chunk but not the counters. Called under sess.mu.
func (p *IngestionPipeline) resyncCounters(ctx context.Context, sess *session, meetingId string) {
	chunks, err := p.repo.GetChunksByMeetingId(ctx, meetingId)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("meeting_id", meetingId).Msg("failed to read chunks for counter resync")
		return
	}
	var totalDuration float64
	for _, chunk := range chunks {
		totalDuration += chunk.DurationSeconds
	}
	if sess.meeting.TotalChunks == len(chunks) && sess.meeting.TotalDuration == totalDuration {
		return
	}
	if err := p.repo.UpdateMeetingCounters(ctx, meetingId, len(chunks), totalDuration); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("meeting_id", meetingId).Msg("failed to resync meeting counters")
		return
	}
	sess.meeting.TotalChunks = len(chunks)
	sess.meeting.TotalDuration = totalDuration
}

// discardOrphan removes the uploaded payload of a rejected chunk, unless a
// stored row references the object.
func (p *IngestionPipeline) discardOrphan(ctx context.Context, meetingId string, chunkNumber int) {
	if _, err := p.repo.GetChunk(ctx, meetingId, chunkNumber); !errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err := p.blobs.Remove(ctx, blob.ChunkObjectName(meetingId, chunkNumber)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("meeting_id", meetingId).
			Int("chunk_number", chunkNumber).
			Msg("failed to remove rejected chunk payload")
	}
}

func (p *IngestionPipeline) transcribeChunk(ctx context.Context, sess *session, chunk *entities.AudioChunk, payload []byte) {
	defer p.inflight.Done()

	language := constant.LanguageAuto
	sess.mu.Lock()
	if sess.meeting.Language != "" {
		language = sess.meeting.Language
	}
	sess.mu.Unlock()

	operation := func() (*TranscriptionResult, error) {
		return p.transcriber.Transcribe(ctx, payload, chunk.SampleRate, language)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	result, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(p.maxRetries))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("meeting_id", chunk.MeetingID).
			Int("chunk_number", chunk.ChunkNumber).
			Msg("transcription failed after all retries")
		if markErr := p.repo.MarkChunkTranscriptionFailed(ctx, chunk.ID); markErr != nil {
			zerolog.Ctx(ctx).Error().Err(markErr).Msg("failed to mark chunk transcription failed")
		}
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := p.repo.UpdateChunkTranscript(ctx, chunk.ID, result.Text, result.Language, result.Confidence); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("meeting_id", chunk.MeetingID).
			Int("chunk_number", chunk.ChunkNumber).
			Msg("failed to store transcript segment")
		return
	}

	// First detected language wins when the meeting was created with auto.
	if sess.meeting.Language == constant.LanguageAuto && result.Language != "" {
		if err := p.repo.UpdateMeetingLanguage(ctx, chunk.MeetingID, result.Language); err == nil {
			sess.meeting.Language = result.Language
		}
	}
}

// Wait blocks until all dispatched transcriptions have settled.
func (p *IngestionPipeline) Wait() {
	p.inflight.Wait()
}
