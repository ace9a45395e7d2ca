package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"voicemind/dto"
	"voicemind/service"
)

// RegisterRoutes mounts the device upload contract and the query API.
func RegisterRoutes(r *gin.Engine, deps ServiceDependencies) {
	api := r.Group("/api")
	api.POST("/start_meeting", startMeeting(deps))
	api.POST("/upload_audio", uploadAudio(deps))
	api.POST("/end_meeting", endMeeting(deps))
	api.POST("/ask_question", askQuestion(deps))
	api.GET("/get_summary", getSummary(deps))
	api.GET("/get_transcript", getTranscript(deps))
	api.GET("/list_meetings", listMeetings(deps))
}

func startMeeting(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingId := c.Query("meeting_id")
		if meetingId == "" {
			abortWithError(c, http.StatusBadRequest, errors.New("meeting_id is required"))
			return
		}
		var title *string
		if t := c.Query("title"); t != "" {
			title = &t
		}
		language := c.DefaultQuery("language", "auto")

		if _, err := deps.Registry.CreateSession(c.Request.Context(), meetingId, title, language); err != nil {
			abortWithServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, dto.StartMeetingResponse{
			Status:    "success",
			MeetingId: meetingId,
			Message:   "Meeting recording started",
		})
	}
}

func uploadAudio(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingId := c.GetHeader("X-Meeting-ID")
		if meetingId == "" {
			abortWithError(c, http.StatusBadRequest, errors.New("X-Meeting-ID header is required"))
			return
		}
		chunkNumber, err := strconv.Atoi(c.GetHeader("X-Chunk-Number"))
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errors.New("X-Chunk-Number header must be an integer"))
			return
		}
		timestamp, err := strconv.ParseInt(c.GetHeader("X-Timestamp"), 10, 64)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errors.New("X-Timestamp header must be an integer"))
			return
		}
		sampleRate := 16000
		if raw := c.GetHeader("X-Sample-Rate"); raw != "" {
			sampleRate, err = strconv.Atoi(raw)
			if err != nil {
				abortWithError(c, http.StatusBadRequest, errors.New("X-Sample-Rate header must be an integer"))
				return
			}
		}
		var speakerTag *string
		if tag := c.GetHeader("X-Speaker-Tag"); tag != "" {
			speakerTag = &tag
		}

		payload, err := c.GetRawData()
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}

		result, err := deps.Pipeline.Ingest(c.Request.Context(), service.IngestRequest{
			MeetingId:   meetingId,
			ChunkNumber: chunkNumber,
			Timestamp:   timestamp,
			SampleRate:  sampleRate,
			Payload:     payload,
			SpeakerTag:  speakerTag,
		})
		if err != nil {
			abortWithServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, dto.UploadChunkResponse{
			Status:      "success",
			ChunkNumber: result.Chunk.ChunkNumber,
			Duplicate:   result.Duplicate,
		})
	}
}

func endMeeting(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingId := c.Query("meeting_id")
		if meetingId == "" {
			abortWithError(c, http.StatusBadRequest, errors.New("meeting_id is required"))
			return
		}

		if err := deps.Lifecycle.EndMeeting(c.Request.Context(), meetingId, false); err != nil {
			abortWithServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, dto.EndMeetingResponse{
			Status:    "success",
			MeetingId: meetingId,
			Message:   "Meeting ended, finalization in progress",
		})
	}
}

func askQuestion(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingId := c.Query("meeting_id")
		question := c.Query("question")
		if meetingId == "" || question == "" {
			abortWithError(c, http.StatusBadRequest, errors.New("meeting_id and question are required"))
			return
		}

		interaction, err := deps.QA.Ask(c.Request.Context(), meetingId, question)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, dto.AskQuestionResponse{
			Status:       "success",
			MeetingId:    meetingId,
			Question:     question,
			Answer:       interaction.Answer,
			ResponseTime: interaction.ResponseTime,
		})
	}
}

func getSummary(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingId := c.Query("meeting_id")
		if meetingId == "" {
			abortWithError(c, http.StatusBadRequest, errors.New("meeting_id is required"))
			return
		}

		meeting, err := deps.Lifecycle.GetMeeting(c.Request.Context(), meetingId)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}

		c.JSON(http.StatusOK, dto.SummaryResponse{
			Status:    "success",
			MeetingId: meeting.MeetingID,
			Title:     meeting.Title,
			Summary:   meeting.Summary,
			Agenda:    meeting.Agenda,
			State:     meeting.Status.String(),
		})
	}
}

func getTranscript(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingId := c.Query("meeting_id")
		if meetingId == "" {
			abortWithError(c, http.StatusBadRequest, errors.New("meeting_id is required"))
			return
		}

		assembled, err := deps.Assembler.Assemble(c.Request.Context(), meetingId)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}

		chunks := make([]dto.TranscriptChunk, 0, len(assembled.Chunks))
		for _, chunk := range assembled.Chunks {
			text := ""
			if chunk.TranscriptSegment != nil {
				text = *chunk.TranscriptSegment
			}
			chunks = append(chunks, dto.TranscriptChunk{
				ChunkNumber: chunk.ChunkNumber,
				Text:        text,
				Timestamp:   chunk.ChunkTimestamp,
			})
		}

		c.JSON(http.StatusOK, dto.TranscriptResponse{
			Status:    "success",
			MeetingId: meetingId,
			Text:      assembled.Text,
			Gaps:      assembled.Gaps,
			Chunks:    chunks,
		})
	}
}

func listMeetings(deps ServiceDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetings, err := deps.Lifecycle.ListMeetings(c.Request.Context())
		if err != nil {
			abortWithServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "success",
			"meetings": meetings,
		})
	}
}

func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownMeeting):
		abortWithError(c, http.StatusNotFound, err)
	case errors.Is(err, service.ErrAlreadyExists):
		abortWithError(c, http.StatusConflict, err)
	case errors.Is(err, service.ErrSessionClosed):
		abortWithError(c, http.StatusGone, err)
	case errors.Is(err, service.ErrInvalidChunk), errors.Is(err, service.ErrTranscriptNotReady):
		abortWithError(c, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrCollaboratorUnavailable):
		abortWithError(c, http.StatusBadGateway, err)
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
		abortWithError(c, http.StatusInternalServerError, err)
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Status: "error",
		Error:  err.Error(),
	})
}
