package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicemind/constant"
	"voicemind/dto"
	"voicemind/entities"
	"voicemind/repository"
)

// FinalizeDispatcher hands a finalize job to the queue. When nil, the
// controller finalizes inline.
type FinalizeDispatcher func(ctx context.Context, msg dto.FinalizeMessage) error

// LifecycleController drives meeting state transitions and produces the final
// transcript artifact. Accepted chunks are never discarded: every failure path
// still writes out whatever transcript could be assembled.
type LifecycleController struct {
	registry   *Registry
	repo       repository.MeetingRepository
	assembler  *TranscriptAssembler
	summarizer Summarizer
	maxRetries uint
	dispatch   FinalizeDispatcher
}

func NewLifecycleController(registry *Registry, repo repository.MeetingRepository, assembler *TranscriptAssembler, summarizer Summarizer, maxRetries uint, dispatch FinalizeDispatcher) *LifecycleController {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &LifecycleController{
		registry:   registry,
		repo:       repo,
		assembler:  assembler,
		summarizer: summarizer,
		maxRetries: maxRetries,
		dispatch:   dispatch,
	}
}

// EndMeeting moves a meeting out of recording and kicks off finalization.
// It is safe to call twice concurrently (explicit end racing a heartbeat
// timeout): only the invocation that wins the recording -> processing
// transition proceeds; the other observes the moved state and becomes a no-op.
func (c *LifecycleController) EndMeeting(ctx context.Context, meetingId string, timeout bool) error {
	err := c.registry.Transition(ctx, meetingId, constant.MeetingStatusProcessing)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			zerolog.Ctx(ctx).Info().Str("meeting_id", meetingId).Msg("meeting already left recording, end is a no-op")
			return nil
		}
		return err
	}

	if c.dispatch != nil {
		msg := dto.FinalizeMessage{
			JobId:     uuid.New(),
			MeetingId: meetingId,
			Timeout:   timeout,
		}
		if err := c.dispatch(ctx, msg); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("meeting_id", meetingId).Msg("failed to dispatch finalize job, finalizing inline")
			return c.Finalize(ctx, meetingId, timeout)
		}
		return nil
	}

	return c.Finalize(ctx, meetingId, timeout)
}

// Finalize assembles the transcript, writes it, runs summarization, and lands
// the meeting in a terminal state. Redelivery-safe: a meeting no longer in
// processing is left alone.
func (c *LifecycleController) Finalize(ctx context.Context, meetingId string, timeout bool) error {
	meeting, err := c.repo.GetMeeting(ctx, meetingId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.Join(ErrUnknownMeeting, err)
		}
		return err
	}
	if meeting.Status != constant.MeetingStatusProcessing {
		zerolog.Ctx(ctx).Info().
			Str("meeting_id", meetingId).
			Str("status", meeting.Status.String()).
			Msg("meeting not in processing, finalize is a no-op")
		return nil
	}

	assembled, err := c.assembler.Assemble(ctx, meetingId)
	if err != nil {
		return err
	}

	// The transcript is written before summarization so a collaborator outage
	// cannot lose it.
	if err := c.repo.WriteFinalTranscript(ctx, meetingId, assembled.Text, "", ""); err != nil {
		return err
	}

	if len(assembled.Gaps) > 0 {
		zerolog.Ctx(ctx).Warn().
			Str("meeting_id", meetingId).
			Ints("gaps", assembled.Gaps).
			Msg("transcript assembled with missing chunks")
	}

	if timeout {
		zerolog.Ctx(ctx).Warn().Str("meeting_id", meetingId).Msg("meeting ended by idle timeout, marking failed with partial transcript")
		return c.registry.Transition(ctx, meetingId, constant.MeetingStatusFailed)
	}

	summary, agenda, err := c.summarize(ctx, assembled.Text)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("meeting_id", meetingId).
			Msg("summarization failed after all retries, marking meeting failed")
		if trErr := c.registry.Transition(ctx, meetingId, constant.MeetingStatusFailed); trErr != nil {
			return trErr
		}
		return nil
	}

	if err := c.repo.WriteFinalTranscript(ctx, meetingId, assembled.Text, summary, agenda); err != nil {
		return err
	}
	if err := c.registry.Transition(ctx, meetingId, constant.MeetingStatusCompleted); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("meeting_id", meetingId).
		Int("chunks", len(assembled.Chunks)).
		Int("gaps", len(assembled.Gaps)).
		Int("transcript_length", len(assembled.Text)).
		Msg("meeting finalized")
	return nil
}

func (c *LifecycleController) summarize(ctx context.Context, transcript string) (string, string, error) {
	if c.summarizer == nil {
		return "", "", nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	summary, err := backoff.Retry(ctx, func() (string, error) {
		return c.summarizer.Summarize(ctx, transcript)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxRetries))
	if err != nil {
		return "", "", errors.Join(ErrCollaboratorUnavailable, err)
	}

	bo = backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	agenda, err := backoff.Retry(ctx, func() (string, error) {
		return c.summarizer.ExtractAgenda(ctx, transcript)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxRetries))
	if err != nil {
		return "", "", errors.Join(ErrCollaboratorUnavailable, err)
	}

	return summary, agenda, nil
}

// GetMeeting returns the persisted meeting record, live or finalized.
func (c *LifecycleController) GetMeeting(ctx context.Context, meetingId string) (*entities.Meeting, error) {
	meeting, err := c.repo.GetMeeting(ctx, meetingId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.Join(ErrUnknownMeeting, err)
		}
		return nil, err
	}
	return meeting, nil
}

// ListMeetings returns all meetings, most recent first.
func (c *LifecycleController) ListMeetings(ctx context.Context) ([]*entities.Meeting, error) {
	return c.repo.ListMeetings(ctx)
}

// RunIdleMonitor force-ends recording meetings whose device went silent for
// idleTimeout, re-runs finalize for meetings stuck in processing, and purges
// expired terminal sessions. Blocks until ctx is done.
func (c *LifecycleController) RunIdleMonitor(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx, idleTimeout)
		}
	}
}

func (c *LifecycleController) sweep(ctx context.Context, idleTimeout time.Duration) {
	for _, meetingId := range c.registry.IdleSessions(idleTimeout) {
		zerolog.Ctx(ctx).Warn().Str("meeting_id", meetingId).Msg("no chunks received within idle timeout, ending meeting")
		if err := c.EndMeeting(ctx, meetingId, true); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("meeting_id", meetingId).Msg("failed to end idle meeting")
		}
	}

	// A meeting restored into processing, or one whose finalize message was
	// lost, sits here until its job is re-run.
	for _, meetingId := range c.registry.ProcessingSessions(idleTimeout) {
		zerolog.Ctx(ctx).Warn().Str("meeting_id", meetingId).Msg("meeting stuck in processing, re-running finalize")
		if err := c.resumeFinalize(ctx, meetingId); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("meeting_id", meetingId).Msg("failed to resume finalize")
		}
	}

	c.registry.PurgeExpired()
}

func (c *LifecycleController) resumeFinalize(ctx context.Context, meetingId string) error {
	if c.dispatch != nil {
		msg := dto.FinalizeMessage{
			JobId:     uuid.New(),
			MeetingId: meetingId,
		}
		err := c.dispatch(ctx, msg)
		if err == nil {
			return nil
		}
		zerolog.Ctx(ctx).Error().Err(err).Str("meeting_id", meetingId).Msg("failed to re-dispatch finalize job, finalizing inline")
	}
	return c.Finalize(ctx, meetingId, false)
}
