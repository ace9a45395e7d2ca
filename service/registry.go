package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicemind/constant"
	"voicemind/entities"
	"voicemind/repository"
)

// session is the in-memory half of one meeting. All counter and status
// mutations for a meeting happen under its mutex; sessions for different
// meetings never contend.
type session struct {
	mu          sync.Mutex
	meeting     *entities.Meeting
	lastChunkAt time.Time
	closedAt    time.Time // when the meeting left the recording state
}

// acceptingChunks reports whether a chunk arriving now may still be stored.
// After the meeting leaves recording, late chunks are accepted for backfill
// until the grace window elapses.
func (s *session) acceptingChunks(now time.Time, graceWindow time.Duration) bool {
	if s.meeting.Status == constant.MeetingStatusRecording {
		return true
	}
	return !s.closedAt.IsZero() && now.Sub(s.closedAt) <= graceWindow
}

// Registry owns the session table. Every meeting's mutable state is reachable
// only through its lookup, and persisted writes go through the repository.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*session
	repo        repository.MeetingRepository
	graceWindow time.Duration
}

func NewRegistry(repo repository.MeetingRepository, graceWindow time.Duration) *Registry {
	return &Registry{
		sessions:    make(map[string]*session),
		repo:        repo,
		graceWindow: graceWindow,
	}
}

// CreateSession registers a new meeting in the recording state. The meeting id
// is client-generated; a duplicate create is a conflict, not a crash.
func (r *Registry) CreateSession(ctx context.Context, meetingId string, title *string, language string) (*entities.Meeting, error) {
	if meetingId == "" {
		return nil, errors.New("meeting id must not be empty")
	}
	if language == "" {
		language = constant.LanguageAuto
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[meetingId]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, meetingId)
	}

	now := time.Now()
	meeting := &entities.Meeting{
		MeetingID: meetingId,
		Title:     title,
		Status:    constant.MeetingStatusRecording,
		Language:  language,
		StartTime: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.repo.CreateMeeting(ctx, meeting); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, meetingId)
		}
		return nil, err
	}

	r.sessions[meetingId] = &session{
		meeting:     meeting,
		lastChunkAt: now,
	}

	zerolog.Ctx(ctx).Info().Str("meeting_id", meetingId).Msg("meeting session created")
	return meeting, nil
}

// lookup returns the live session for a meeting id.
func (r *Registry) lookup(meetingId string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[meetingId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingId)
	}
	return sess, nil
}

// GetSession returns a snapshot of the meeting owned by a live session.
func (r *Registry) GetSession(meetingId string) (*entities.Meeting, error) {
	sess, err := r.lookup(meetingId)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	snapshot := *sess.meeting
	return &snapshot, nil
}

var legalTransitions = map[constant.MeetingStatus][]constant.MeetingStatus{
	constant.MeetingStatusRecording:  {constant.MeetingStatusProcessing, constant.MeetingStatusFailed},
	constant.MeetingStatusProcessing: {constant.MeetingStatusCompleted, constant.MeetingStatusFailed},
}

func transitionAllowed(from, to constant.MeetingStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves a meeting to a new lifecycle state, persisting the change.
// Entering a terminal state stamps end_time. When the session is no longer in
// memory (finalize running in a separate worker), the current state is read
// from the repository instead.
func (r *Registry) Transition(ctx context.Context, meetingId string, newState constant.MeetingStatus) error {
	sess, err := r.lookup(meetingId)
	if err != nil {
		return r.transitionDetached(ctx, meetingId, newState)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	from := sess.meeting.Status
	if !transitionAllowed(from, newState) {
		return fmt.Errorf("%w: %s -> %s for meeting %s", ErrInvalidTransition, from, newState, meetingId)
	}

	now := time.Now()
	var endTime *time.Time
	if newState.Terminal() {
		endTime = &now
	}
	if err := r.repo.UpdateMeetingStatus(ctx, meetingId, newState, endTime); err != nil {
		return err
	}

	sess.meeting.Status = newState
	sess.meeting.UpdatedAt = now
	if endTime != nil {
		sess.meeting.EndTime = endTime
	}
	if from == constant.MeetingStatusRecording {
		sess.closedAt = now
	}

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", meetingId).
		Str("from", from.String()).
		Str("to", newState.String()).
		Msg("meeting state transition")
	return nil
}

func (r *Registry) transitionDetached(ctx context.Context, meetingId string, newState constant.MeetingStatus) error {
	meeting, err := r.repo.GetMeeting(ctx, meetingId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingId)
		}
		return err
	}
	if !transitionAllowed(meeting.Status, newState) {
		return fmt.Errorf("%w: %s -> %s for meeting %s", ErrInvalidTransition, meeting.Status, newState, meetingId)
	}
	now := time.Now()
	var endTime *time.Time
	if newState.Terminal() {
		endTime = &now
	}
	return r.repo.UpdateMeetingStatus(ctx, meetingId, newState, endTime)
}

// Restore loads non-terminal meetings back into the session table after a
// restart, so a device that kept uploading through the outage can resume.
func (r *Registry) Restore(ctx context.Context) error {
	meetings, err := r.repo.GetActiveMeetings(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, meeting := range meetings {
		if _, exists := r.sessions[meeting.MeetingID]; exists {
			continue
		}
		sess := &session{
			meeting:     meeting,
			lastChunkAt: now,
		}
		if meeting.Status != constant.MeetingStatusRecording {
			sess.closedAt = now
		}
		r.sessions[meeting.MeetingID] = sess
	}

	zerolog.Ctx(ctx).Info().Int("restored", len(meetings)).Msg("restored active meeting sessions")
	return nil
}

// IdleSessions returns ids of recording meetings with no accepted chunk for
// at least idleFor.
func (r *Registry) IdleSessions(idleFor time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var idle []string
	for id, sess := range r.sessions {
		sess.mu.Lock()
		if sess.meeting.Status == constant.MeetingStatusRecording && now.Sub(sess.lastChunkAt) >= idleFor {
			idle = append(idle, id)
		}
		sess.mu.Unlock()
	}
	return idle
}

// ProcessingSessions returns ids of meetings that have sat in processing for
// at least stuckFor. A finalize normally lands within seconds; anything older
// lost its finalize job (crash after the transition, message dropped before
// dispatch) and needs the job re-run.
func (r *Registry) ProcessingSessions(stuckFor time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var stuck []string
	for id, sess := range r.sessions {
		sess.mu.Lock()
		if sess.meeting.Status == constant.MeetingStatusProcessing && !sess.closedAt.IsZero() && now.Sub(sess.closedAt) >= stuckFor {
			stuck = append(stuck, id)
		}
		sess.mu.Unlock()
	}
	return stuck
}

// PurgeExpired drops terminal sessions whose grace window has elapsed. Their
// rows stay in the database; only the in-memory entry goes away, after which
// late chunks get ErrUnknownMeeting instead of backfill.
func (r *Registry) PurgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	purged := 0
	for id, sess := range r.sessions {
		sess.mu.Lock()
		expired := sess.meeting.Status.Terminal() && !sess.closedAt.IsZero() && now.Sub(sess.closedAt) > r.graceWindow
		sess.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			purged++
		}
	}
	return purged
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
