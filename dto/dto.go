package dto

import "github.com/google/uuid"

// FinalizeMessage is published when a meeting leaves the recording state and
// consumed by the finalize worker.
type FinalizeMessage struct {
	JobId     uuid.UUID `json:"jobId"`
	MeetingId string    `json:"meetingId"`
	Timeout   bool      `json:"timeout"`
}

type StartMeetingResponse struct {
	Status    string `json:"status"`
	MeetingId string `json:"meeting_id"`
	Message   string `json:"message"`
}

type UploadChunkResponse struct {
	Status      string `json:"status"`
	ChunkNumber int    `json:"chunk_number"`
	Duplicate   bool   `json:"duplicate"`
}

type EndMeetingResponse struct {
	Status    string `json:"status"`
	MeetingId string `json:"meeting_id"`
	Message   string `json:"message"`
}

type AskQuestionResponse struct {
	Status       string  `json:"status"`
	MeetingId    string  `json:"meeting_id"`
	Question     string  `json:"question"`
	Answer       string  `json:"answer"`
	ResponseTime float64 `json:"response_time"`
}

type TranscriptChunk struct {
	ChunkNumber int    `json:"chunk_number"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

type TranscriptResponse struct {
	Status    string            `json:"status"`
	MeetingId string            `json:"meeting_id"`
	Text      string            `json:"text"`
	Gaps      []int             `json:"gaps"`
	Chunks    []TranscriptChunk `json:"chunks"`
}

type SummaryResponse struct {
	Status    string  `json:"status"`
	MeetingId string  `json:"meeting_id"`
	Title     *string `json:"title"`
	Summary   string  `json:"summary"`
	Agenda    string  `json:"agenda"`
	State     string  `json:"meeting_status"`
}

type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}
