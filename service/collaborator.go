package service

import "context"

// TranscriptionResult is what the speech-to-text collaborator returns for one
// chunk of raw PCM audio.
type TranscriptionResult struct {
	Text       string
	Language   string
	Confidence float64
}

// Transcriber converts one chunk's audio payload into a transcript segment.
// Calls may block for seconds and are never made while a meeting lock is held.
type Transcriber interface {
	Transcribe(ctx context.Context, payload []byte, sampleRate int, language string) (*TranscriptionResult, error)
}

// Summarizer produces meeting-level prose from the assembled transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
	ExtractAgenda(ctx context.Context, transcript string) (string, error)
}

// Answer is the Q&A collaborator's response.
type Answer struct {
	Text  string
	Model string
}

// Answerer answers a free-form question against a finalized transcript.
type Answerer interface {
	AnswerQuestion(ctx context.Context, transcript string, question string) (*Answer, error)
}
