package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"voicemind/entities"
	"voicemind/repository"
)

// QAService answers follow-up questions against a meeting's finalized
// transcript and keeps the append-only interaction log.
type QAService struct {
	repo       repository.MeetingRepository
	answerer   Answerer
	maxRetries uint
}

func NewQAService(repo repository.MeetingRepository, answerer Answerer, maxRetries uint) *QAService {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &QAService{
		repo:       repo,
		answerer:   answerer,
		maxRetries: maxRetries,
	}
}

func (s *QAService) Ask(ctx context.Context, meetingId string, question string) (*entities.QAInteraction, error) {
	meeting, err := s.repo.GetMeeting(ctx, meetingId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingId)
		}
		return nil, err
	}
	if meeting.FullTranscript == "" {
		return nil, fmt.Errorf("%w: meeting %s", ErrTranscriptNotReady, meetingId)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	start := time.Now()
	answer, err := backoff.Retry(ctx, func() (*Answer, error) {
		return s.answerer.AnswerQuestion(ctx, meeting.FullTranscript, question)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.maxRetries))
	if err != nil {
		return nil, errors.Join(ErrCollaboratorUnavailable, err)
	}
	latency := time.Since(start).Seconds()

	interaction := &entities.QAInteraction{
		MeetingID:    meetingId,
		Question:     question,
		Answer:       answer.Text,
		ContextChars: len(meeting.FullTranscript),
		ModelUsed:    answer.Model,
		ResponseTime: latency,
		CreatedAt:    time.Now(),
	}
	if err := s.repo.SaveInteraction(ctx, interaction); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", meetingId).
		Float64("response_time", latency).
		Msg("question answered")
	return interaction, nil
}

func (s *QAService) History(ctx context.Context, meetingId string) ([]*entities.QAInteraction, error) {
	if _, err := s.repo.GetMeeting(ctx, meetingId); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingId)
		}
		return nil, err
	}
	return s.repo.ListInteractions(ctx, meetingId)
}
