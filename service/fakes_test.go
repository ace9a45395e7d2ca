package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicemind/constant"
	"voicemind/entities"
	"voicemind/repository"
)

// memRepo is an in-memory repository.MeetingRepository used across the
// service tests. It enforces the same uniqueness rules as the real schema.
type memRepo struct {
	mu           sync.Mutex
	meetings     map[string]*entities.Meeting
	chunks       map[string]map[int]*entities.AudioChunk
	interactions []*entities.QAInteraction
	nextId       int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		meetings: make(map[string]*entities.Meeting),
		chunks:   make(map[string]map[int]*entities.AudioChunk),
	}
}

func (r *memRepo) Transaction(ctx context.Context, callback func(ctx context.Context) error, _ ...*sql.TxOptions) error {
	return callback(ctx)
}

func (r *memRepo) CreateMeeting(_ context.Context, meeting *entities.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.meetings[meeting.MeetingID]; exists {
		return repository.ErrDuplicate
	}
	cp := *meeting
	r.meetings[meeting.MeetingID] = &cp
	return nil
}

func (r *memRepo) GetMeeting(_ context.Context, meetingId string) (*entities.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meeting, ok := r.meetings[meetingId]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *meeting
	return &cp, nil
}

func (r *memRepo) ListMeetings(_ context.Context) ([]*entities.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Meeting
	for _, meeting := range r.meetings {
		cp := *meeting
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (r *memRepo) GetActiveMeetings(_ context.Context) ([]*entities.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Meeting
	for _, meeting := range r.meetings {
		if !meeting.Status.Terminal() {
			cp := *meeting
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateMeetingStatus(_ context.Context, meetingId string, status constant.MeetingStatus, endTime *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meeting, ok := r.meetings[meetingId]
	if !ok {
		return repository.ErrNotFound
	}
	meeting.Status = status
	meeting.UpdatedAt = time.Now()
	if endTime != nil {
		meeting.EndTime = endTime
	}
	return nil
}

func (r *memRepo) UpdateMeetingCounters(_ context.Context, meetingId string, totalChunks int, totalDuration float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meeting, ok := r.meetings[meetingId]
	if !ok {
		return repository.ErrNotFound
	}
	meeting.TotalChunks = totalChunks
	meeting.TotalDuration = totalDuration
	return nil
}

func (r *memRepo) UpdateMeetingLanguage(_ context.Context, meetingId string, language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meeting, ok := r.meetings[meetingId]
	if !ok {
		return repository.ErrNotFound
	}
	meeting.Language = language
	return nil
}

func (r *memRepo) WriteFinalTranscript(_ context.Context, meetingId string, transcript string, summary string, agenda string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meeting, ok := r.meetings[meetingId]
	if !ok {
		return repository.ErrNotFound
	}
	meeting.FullTranscript = transcript
	meeting.Summary = summary
	meeting.Agenda = agenda
	return nil
}

func (r *memRepo) InsertChunk(_ context.Context, chunk *entities.AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byNumber, ok := r.chunks[chunk.MeetingID]
	if !ok {
		byNumber = make(map[int]*entities.AudioChunk)
		r.chunks[chunk.MeetingID] = byNumber
	}
	if _, exists := byNumber[chunk.ChunkNumber]; exists {
		return repository.ErrDuplicate
	}
	cp := *chunk
	byNumber[chunk.ChunkNumber] = &cp
	return nil
}

func (r *memRepo) GetChunk(_ context.Context, meetingId string, chunkNumber int) (*entities.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk, ok := r.chunks[meetingId][chunkNumber]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *chunk
	return &cp, nil
}

func (r *memRepo) GetChunksByMeetingId(_ context.Context, meetingId string) ([]*entities.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.AudioChunk
	for _, chunk := range r.chunks[meetingId] {
		cp := *chunk
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkNumber < out[j].ChunkNumber })
	return out, nil
}

func (r *memRepo) UpdateChunkTranscript(_ context.Context, chunkId uuid.UUID, segment string, language string, confidence float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byNumber := range r.chunks {
		for _, chunk := range byNumber {
			if chunk.ID == chunkId {
				seg := segment
				lang := language
				conf := confidence
				chunk.TranscriptSegment = &seg
				chunk.Language = &lang
				chunk.Confidence = &conf
				chunk.TranscriptionStatus = constant.TranscriptionStatusCompleted
				return nil
			}
		}
	}
	return repository.ErrNotFound
}

func (r *memRepo) MarkChunkTranscriptionFailed(_ context.Context, chunkId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byNumber := range r.chunks {
		for _, chunk := range byNumber {
			if chunk.ID == chunkId {
				chunk.TranscriptionStatus = constant.TranscriptionStatusFailed
				return nil
			}
		}
	}
	return repository.ErrNotFound
}

func (r *memRepo) SaveInteraction(_ context.Context, interaction *entities.QAInteraction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextId++
	interaction.ID = r.nextId
	cp := *interaction
	r.interactions = append(r.interactions, &cp)
	return nil
}

func (r *memRepo) ListInteractions(_ context.Context, meetingId string) ([]*entities.QAInteraction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.QAInteraction
	for _, interaction := range r.interactions {
		if interaction.MeetingID == meetingId {
			cp := *interaction
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) PurgeCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for id, meeting := range r.meetings {
		if meeting.Status == constant.MeetingStatusCompleted && meeting.StartTime.Before(cutoff) {
			delete(r.meetings, id)
			delete(r.chunks, id)
			purged++
		}
	}
	return purged, nil
}

func (r *memRepo) chunkCount(meetingId string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks[meetingId])
}

// stubTranscriber returns a fixed segment per chunk payload.
type stubTranscriber struct {
	mu       sync.Mutex
	calls    int
	language string
}

func (t *stubTranscriber) Transcribe(_ context.Context, payload []byte, _ int, _ string) (*TranscriptionResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	lang := t.language
	if lang == "" {
		lang = "en"
	}
	return &TranscriptionResult{
		Text:       fmt.Sprintf("seg-%d", payload[0]),
		Language:   lang,
		Confidence: 0.9,
	}, nil
}

type failingTranscriber struct {
	mu    sync.Mutex
	calls int
}

func (t *failingTranscriber) Transcribe(context.Context, []byte, int, string) (*TranscriptionResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return nil, errors.New("transcription backend down")
}

type stubSummarizer struct {
	summary string
	agenda  string
	err     error
	calls   int
	mu      sync.Mutex
}

func (s *stubSummarizer) Summarize(context.Context, string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func (s *stubSummarizer) ExtractAgenda(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.agenda, nil
}

type stubAnswerer struct {
	answer   string
	err      error
	failures int
	calls    int
	mu       sync.Mutex
}

func (a *stubAnswerer) AnswerQuestion(context.Context, string, string) (*Answer, error) {
	a.mu.Lock()
	a.calls++
	transient := a.failures > 0
	if transient {
		a.failures--
	}
	a.mu.Unlock()
	if transient {
		return nil, errors.New("model timeout")
	}
	if a.err != nil {
		return nil, a.err
	}
	return &Answer{Text: a.answer, Model: "test-model"}, nil
}

// brokenCounterRepo fails UpdateMeetingCounters a set number of times, the way
// a connection drop between the chunk write and the counter write would.
type brokenCounterRepo struct {
	*memRepo
	mu       sync.Mutex
	failures int
}

func (r *brokenCounterRepo) UpdateMeetingCounters(ctx context.Context, meetingId string, totalChunks int, totalDuration float64) error {
	r.mu.Lock()
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return r.memRepo.UpdateMeetingCounters(ctx, meetingId, totalChunks, totalDuration)
}
