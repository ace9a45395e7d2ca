package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voicemind/entities"
	"voicemind/repository"
)

// FullTranscript is the ordered assembly of a meeting's transcript segments.
// Gaps lists chunk numbers that were never received; each one is also marked
// inline in Text so downstream summarization knows content is missing.
type FullTranscript struct {
	MeetingId string
	Text      string
	Gaps      []int
	Chunks    []*entities.AudioChunk
}

type TranscriptAssembler struct {
	repo repository.MeetingRepository
}

func NewTranscriptAssembler(repo repository.MeetingRepository) *TranscriptAssembler {
	return &TranscriptAssembler{repo: repo}
}

// Assemble reads all stored chunks ordered by chunk number and concatenates
// their transcript segments. The result depends only on what was stored, not
// on arrival order, and the call is idempotent: it serves live partial
// transcript reads during recording as well as the final pass at finalize.
func (a *TranscriptAssembler) Assemble(ctx context.Context, meetingId string) (*FullTranscript, error) {
	if _, err := a.repo.GetMeeting(ctx, meetingId); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingId)
		}
		return nil, err
	}

	chunks, err := a.repo.GetChunksByMeetingId(ctx, meetingId)
	if err != nil {
		return nil, err
	}

	result := &FullTranscript{
		MeetingId: meetingId,
		Chunks:    chunks,
	}
	if len(chunks) == 0 {
		return result, nil
	}

	byNumber := make(map[int]*entities.AudioChunk, len(chunks))
	maxNumber := 0
	for _, chunk := range chunks {
		byNumber[chunk.ChunkNumber] = chunk
		if chunk.ChunkNumber > maxNumber {
			maxNumber = chunk.ChunkNumber
		}
	}

	var parts []string
	for n := 0; n <= maxNumber; n++ {
		chunk, ok := byNumber[n]
		if !ok {
			result.Gaps = append(result.Gaps, n)
			parts = append(parts, fmt.Sprintf("[missing chunk %d]", n))
			continue
		}
		if chunk.TranscriptSegment != nil && *chunk.TranscriptSegment != "" {
			parts = append(parts, *chunk.TranscriptSegment)
		}
	}

	result.Text = strings.Join(parts, " ")
	return result, nil
}
