package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"voicemind/config"
	"voicemind/constant"
	"voicemind/service"
)

const (
	summaryPrompt = "Please provide a comprehensive summary of this meeting including key discussion points, decisions made, and any action items."
	agendaPrompt  = "What was the agenda of this meeting? List the main topics discussed."

	systemPrompt = "You are an AI meeting assistant. Answer questions about the meeting based on the provided transcript. " +
		"Be concise and accurate, quote relevant parts of the transcript when applicable, and say so clearly when the answer is not in the transcript."
)

// Client calls the OpenAI HTTP API and implements the Transcriber, Summarizer
// and Answerer collaborator interfaces.
type Client struct {
	cfg        config.OpenAI
	httpClient *http.Client
}

func NewClient(cfg config.OpenAI) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (c *Client) Transcribe(ctx context.Context, payload []byte, sampleRate int, language string) (*service.TranscriptionResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(pcmToWav(payload, sampleRate)); err != nil {
		return nil, err
	}
	if err := writer.WriteField("model", c.cfg.TranscribeModel); err != nil {
		return nil, err
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, err
	}
	if language != "" && language != constant.LanguageAuto {
		if err := writer.WriteField("language", language); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var parsed transcriptionResponse
	if err := c.do(req, &parsed); err != nil {
		return nil, err
	}

	return &service.TranscriptionResult{
		Text:       parsed.Text,
		Language:   parsed.Language,
		Confidence: 1.0,
	}, nil
}

func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	return c.chat(ctx, transcript, summaryPrompt)
}

func (c *Client) ExtractAgenda(ctx context.Context, transcript string) (string, error) {
	return c.chat(ctx, transcript, agendaPrompt)
}

func (c *Client) AnswerQuestion(ctx context.Context, transcript string, question string) (*service.Answer, error) {
	text, err := c.chat(ctx, transcript, question)
	if err != nil {
		return nil, err
	}
	return &service.Answer{
		Text:  text,
		Model: c.cfg.ChatModel,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) chat(ctx context.Context, transcript string, question string) (string, error) {
	reqBody := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Meeting Transcript:\n%s\n\nQuestion: %s\n\nPlease provide a clear and helpful answer based on the transcript.", transcript, question)},
		},
		Temperature: 0.7,
		MaxTokens:   500,
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var parsed chatResponse
	if err := c.do(req, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("openai request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
