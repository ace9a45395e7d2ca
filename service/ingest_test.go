package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voicemind/constant"
	"voicemind/pkg/blob"
)

// pcm returns a payload lasting the given number of seconds at 16kHz 16-bit
// mono, tagged with a marker byte so stub transcripts are distinguishable.
func pcm(seconds float64, marker byte) []byte {
	payload := make([]byte, int(seconds*16000*2))
	for i := range payload {
		payload[i] = marker
	}
	return payload
}

func newTestPipeline(t *testing.T, transcriber Transcriber, graceWindow time.Duration) (*IngestionPipeline, *Registry, *memRepo, *blob.MemoryStore) {
	t.Helper()
	repo := newMemRepo()
	registry := NewRegistry(repo, graceWindow)
	blobs := blob.NewMemoryStore()
	pipeline := NewIngestionPipeline(registry, repo, blobs, transcriber, 1)
	return pipeline, registry, repo, blobs
}

func ingestChunk(t *testing.T, p *IngestionPipeline, meetingId string, number int, payload []byte) *IngestResult {
	t.Helper()
	result, err := p.Ingest(context.Background(), IngestRequest{
		MeetingId:   meetingId,
		ChunkNumber: number,
		Timestamp:   time.Now().UnixMilli(),
		SampleRate:  16000,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("ingest chunk %d failed: %v", number, err)
	}
	return result
}

func TestIngestOutOfOrderArrival(t *testing.T) {
	pipeline, registry, _, _ := newTestPipeline(t, nil, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Arrival order 0, 2, 1 at 2.0s each.
	ingestChunk(t, pipeline, "m1", 0, pcm(2.0, 10))
	ingestChunk(t, pipeline, "m1", 2, pcm(2.0, 12))
	ingestChunk(t, pipeline, "m1", 1, pcm(2.0, 11))

	meeting, err := registry.GetSession("m1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if meeting.TotalChunks != 3 {
		t.Fatalf("total_chunks = %d, want 3", meeting.TotalChunks)
	}
	if meeting.TotalDuration != 6.0 {
		t.Fatalf("total_duration = %v, want 6.0", meeting.TotalDuration)
	}
}

func TestIngestDuplicateIsNoOp(t *testing.T) {
	pipeline, registry, repo, blobs := newTestPipeline(t, nil, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	first := ingestChunk(t, pipeline, "m1", 0, pcm(2.0, 10))
	if first.Duplicate {
		t.Fatalf("first upload reported duplicate")
	}

	second := ingestChunk(t, pipeline, "m1", 0, pcm(2.0, 10))
	if !second.Duplicate {
		t.Fatalf("retried upload not reported duplicate")
	}
	if second.Chunk.ID != first.Chunk.ID {
		t.Fatalf("duplicate returned a different stored chunk")
	}

	meeting, _ := registry.GetSession("m1")
	if meeting.TotalChunks != 1 {
		t.Fatalf("total_chunks = %d, want 1 after duplicate", meeting.TotalChunks)
	}
	if meeting.TotalDuration != 2.0 {
		t.Fatalf("total_duration = %v, want 2.0 after duplicate", meeting.TotalDuration)
	}
	if repo.chunkCount("m1") != 1 {
		t.Fatalf("stored chunks = %d, want 1", repo.chunkCount("m1"))
	}
	if blobs.Len() != 1 {
		t.Fatalf("stored payloads = %d, want 1", blobs.Len())
	}
}

func TestIngestValidation(t *testing.T) {
	pipeline, registry, _, _ := newTestPipeline(t, nil, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	tests := []struct {
		name    string
		req     IngestRequest
		wantErr error
	}{
		{
			name:    "unknown meeting",
			req:     IngestRequest{MeetingId: "ghost", ChunkNumber: 0, SampleRate: 16000, Payload: pcm(1, 1)},
			wantErr: ErrUnknownMeeting,
		},
		{
			name:    "negative chunk number",
			req:     IngestRequest{MeetingId: "m1", ChunkNumber: -1, SampleRate: 16000, Payload: pcm(1, 1)},
			wantErr: ErrInvalidChunk,
		},
		{
			name:    "empty payload",
			req:     IngestRequest{MeetingId: "m1", ChunkNumber: 0, SampleRate: 16000},
			wantErr: ErrInvalidChunk,
		},
		{
			name:    "zero sample rate",
			req:     IngestRequest{MeetingId: "m1", ChunkNumber: 0, Payload: pcm(1, 1)},
			wantErr: ErrInvalidChunk,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pipeline.Ingest(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIngestAfterEndWithinGraceWindow(t *testing.T) {
	pipeline, registry, _, _ := newTestPipeline(t, nil, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	ingestChunk(t, pipeline, "m1", 0, pcm(1, 10))
	if err := registry.Transition(ctx, "m1", constant.MeetingStatusProcessing); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// A reordered last-mile chunk lands inside the grace window.
	result := ingestChunk(t, pipeline, "m1", 1, pcm(1, 11))
	if result.Duplicate {
		t.Fatalf("backfill chunk reported duplicate")
	}
	meeting, _ := registry.GetSession("m1")
	if meeting.TotalChunks != 2 {
		t.Fatalf("total_chunks = %d, want 2", meeting.TotalChunks)
	}
}

func TestIngestAfterGraceWindowRejected(t *testing.T) {
	pipeline, registry, _, _ := newTestPipeline(t, nil, 0)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := registry.Transition(ctx, "m1", constant.MeetingStatusProcessing); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := registry.Transition(ctx, "m1", constant.MeetingStatusCompleted); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err := pipeline.Ingest(ctx, IngestRequest{MeetingId: "m1", ChunkNumber: 5, SampleRate: 16000, Payload: pcm(1, 1)})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}

	// Even once the in-memory session is purged, a known meeting row means
	// the session is closed, not unknown.
	registry.PurgeExpired()
	_, err = pipeline.Ingest(ctx, IngestRequest{MeetingId: "m1", ChunkNumber: 6, SampleRate: 16000, Payload: pcm(1, 1)})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("after purge got %v, want ErrSessionClosed", err)
	}
}

func TestIngestCounterWriteFailureHealsOnRetry(t *testing.T) {
	// The counter write fails after the chunk row landed (no rollback in the
	// fake, mimicking a partial commit). The device retry must re-align the
	// durable counters with the stored chunks.
	repo := &brokenCounterRepo{memRepo: newMemRepo(), failures: 1}
	registry := NewRegistry(repo, time.Minute)
	blobs := blob.NewMemoryStore()
	pipeline := NewIngestionPipeline(registry, repo, blobs, nil, 1)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	req := IngestRequest{MeetingId: "m1", ChunkNumber: 0, SampleRate: 16000, Payload: pcm(2.0, 10)}
	if _, err := pipeline.Ingest(ctx, req); err == nil {
		t.Fatalf("first upload should surface the counter write failure")
	}

	result, err := pipeline.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !result.Duplicate {
		t.Fatalf("retry of a stored chunk must report duplicate")
	}

	stored, err := repo.GetMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMeeting failed: %v", err)
	}
	if stored.TotalChunks != 1 || stored.TotalDuration != 2.0 {
		t.Fatalf("durable counters = %d chunks / %v s, want 1 / 2.0", stored.TotalChunks, stored.TotalDuration)
	}
	meeting, _ := registry.GetSession("m1")
	if meeting.TotalChunks != 1 || meeting.TotalDuration != 2.0 {
		t.Fatalf("in-memory counters = %d chunks / %v s, want 1 / 2.0", meeting.TotalChunks, meeting.TotalDuration)
	}
}

func TestIngestRejectedChunkLeavesNoOrphanBlob(t *testing.T) {
	pipeline, registry, _, blobs := newTestPipeline(t, nil, 0)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	ingestChunk(t, pipeline, "m1", 0, pcm(1, 10))
	if err := registry.Transition(ctx, "m1", constant.MeetingStatusProcessing); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := registry.Transition(ctx, "m1", constant.MeetingStatusCompleted); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err := pipeline.Ingest(ctx, IngestRequest{MeetingId: "m1", ChunkNumber: 1, SampleRate: 16000, Payload: pcm(1, 11)})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}
	if blobs.Len() != 1 {
		t.Fatalf("stored payloads = %d, want only the accepted chunk", blobs.Len())
	}

	// A late retry of a chunk that WAS stored must not delete its payload.
	_, err = pipeline.Ingest(ctx, IngestRequest{MeetingId: "m1", ChunkNumber: 0, SampleRate: 16000, Payload: pcm(1, 10)})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}
	if blobs.Len() != 1 {
		t.Fatalf("stored payloads = %d after late retry, want 1", blobs.Len())
	}
}

func TestIngestConcurrentDistinctChunks(t *testing.T) {
	pipeline, registry, _, _ := newTestPipeline(t, nil, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(number int) {
			defer wg.Done()
			_, err := pipeline.Ingest(ctx, IngestRequest{
				MeetingId:   "m1",
				ChunkNumber: number,
				SampleRate:  16000,
				Payload:     pcm(0.5, byte(number)),
			})
			if err != nil {
				t.Errorf("ingest chunk %d failed: %v", number, err)
			}
		}(i)
	}
	wg.Wait()

	meeting, _ := registry.GetSession("m1")
	if meeting.TotalChunks != n {
		t.Fatalf("total_chunks = %d, want %d", meeting.TotalChunks, n)
	}
}

func TestIngestConcurrentSameChunk(t *testing.T) {
	pipeline, registry, repo, _ := newTestPipeline(t, nil, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pipeline.Ingest(ctx, IngestRequest{
				MeetingId:   "m1",
				ChunkNumber: 0,
				SampleRate:  16000,
				Payload:     pcm(1, 42),
			})
			if err != nil {
				t.Errorf("ingest failed: %v", err)
			}
		}()
	}
	wg.Wait()

	meeting, _ := registry.GetSession("m1")
	if meeting.TotalChunks != 1 {
		t.Fatalf("total_chunks = %d, want 1", meeting.TotalChunks)
	}
	if repo.chunkCount("m1") != 1 {
		t.Fatalf("stored chunks = %d, want 1", repo.chunkCount("m1"))
	}
}

func TestTranscriptionWriteBack(t *testing.T) {
	transcriber := &stubTranscriber{language: "en"}
	pipeline, registry, repo, _ := newTestPipeline(t, transcriber, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ingestChunk(t, pipeline, "m1", 0, pcm(1, 7))
	pipeline.Wait()

	chunk, err := repo.GetChunk(ctx, "m1", 0)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if chunk.TranscriptSegment == nil || *chunk.TranscriptSegment != "seg-7" {
		t.Fatalf("transcript segment = %v, want seg-7", chunk.TranscriptSegment)
	}
	if chunk.TranscriptionStatus != constant.TranscriptionStatusCompleted {
		t.Fatalf("transcription status = %s, want COMPLETED", chunk.TranscriptionStatus)
	}

	// First detected language replaces auto.
	meeting, _ := registry.GetSession("m1")
	if meeting.Language != "en" {
		t.Fatalf("meeting language = %q, want en", meeting.Language)
	}
}

func TestTranscriptionFailureMarksChunk(t *testing.T) {
	transcriber := &failingTranscriber{}
	pipeline, registry, repo, _ := newTestPipeline(t, transcriber, time.Minute)
	ctx := context.Background()
	if _, err := registry.CreateSession(ctx, "m1", nil, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ingestChunk(t, pipeline, "m1", 0, pcm(1, 7))
	pipeline.Wait()

	chunk, err := repo.GetChunk(ctx, "m1", 0)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if chunk.TranscriptionStatus != constant.TranscriptionStatusFailed {
		t.Fatalf("transcription status = %s, want FAILED", chunk.TranscriptionStatus)
	}
	// The chunk itself stays accepted.
	meeting, _ := registry.GetSession("m1")
	if meeting.TotalChunks != 1 {
		t.Fatalf("total_chunks = %d, want 1", meeting.TotalChunks)
	}
}
