package handler

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"voicemind/dto"
	"voicemind/service"
)

type ServiceDependencies struct {
	Registry  *service.Registry
	Pipeline  *service.IngestionPipeline
	Assembler *service.TranscriptAssembler
	Lifecycle *service.LifecycleController
	QA        *service.QAService
}

// FinalizeHandler consumes finalize jobs: assemble the transcript, summarize,
// and land the meeting in a terminal state.
func FinalizeHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var finalizeMsg dto.FinalizeMessage
	if err := json.Unmarshal(msg.Body, &finalizeMsg); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal finalize message")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", finalizeMsg.JobId.String()).
		Str("meeting_id", finalizeMsg.MeetingId).
		Bool("timeout", finalizeMsg.Timeout).
		Msg("received finalize message")

	return deps.Lifecycle.Finalize(ctx, finalizeMsg.MeetingId, finalizeMsg.Timeout)
}
