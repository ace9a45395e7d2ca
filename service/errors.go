package service

import "errors"

var (
	// ErrUnknownMeeting is returned when an operation references a meeting id
	// the registry has never seen.
	ErrUnknownMeeting = errors.New("unknown meeting")

	// ErrAlreadyExists is returned on a duplicate session create.
	ErrAlreadyExists = errors.New("meeting already exists")

	// ErrSessionClosed is returned for chunks arriving after the meeting left
	// the recording state and the late-arrival grace window has elapsed.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidChunk is returned for a malformed sequence number or payload.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrInvalidTransition is returned for an illegal lifecycle move. It is a
	// programming-level defect, never swallowed silently.
	ErrInvalidTransition = errors.New("invalid meeting state transition")

	// ErrCollaboratorUnavailable wraps transcription/summarization failures
	// that survived the retry ceiling.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrTranscriptNotReady is returned by Q&A when the meeting has no
	// finalized transcript yet.
	ErrTranscriptNotReady = errors.New("transcript not available yet")
)
