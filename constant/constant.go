package constant

type MeetingStatus string

const (
	MeetingStatusRecording  MeetingStatus = "recording"
	MeetingStatusProcessing MeetingStatus = "processing"
	MeetingStatusCompleted  MeetingStatus = "completed"
	MeetingStatusFailed     MeetingStatus = "failed"
)

func (s MeetingStatus) Terminal() bool {
	return s == MeetingStatusCompleted || s == MeetingStatusFailed
}

func (s MeetingStatus) String() string {
	return string(s)
}

type TranscriptionStatus string

const (
	TranscriptionStatusPending   TranscriptionStatus = "PENDING"
	TranscriptionStatusCompleted TranscriptionStatus = "COMPLETED"
	TranscriptionStatusFailed    TranscriptionStatus = "FAILED"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

// LanguageAuto asks the transcriber to detect the spoken language.
const LanguageAuto = "auto"
