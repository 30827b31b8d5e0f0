package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible audio API.
type OpenAIConfig struct {
	BaseURL            string
	APIKey             string
	TranscriptionModel string
	SpeechModel        string
	Voice              string
	Language           string
}

// OpenAI wraps an OpenAI-compatible client for transcription and speech.
type OpenAI struct {
	api      *openai.Client
	sttModel string
	ttsModel string
	voice    string
	language string
}

// NewOpenAI creates a new audio client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	c := &OpenAI{
		api:      openai.NewClientWithConfig(config),
		sttModel: cfg.TranscriptionModel,
		ttsModel: cfg.SpeechModel,
		voice:    cfg.Voice,
		language: cfg.Language,
	}
	if c.sttModel == "" {
		c.sttModel = openai.Whisper1
	}
	if c.ttsModel == "" {
		c.ttsModel = string(openai.TTSModel1)
	}
	if c.voice == "" {
		c.voice = string(openai.VoiceAlloy)
	}
	return c
}

// Transcribe sends a canonical WAV answer to the transcription endpoint.
func (c *OpenAI) Transcribe(ctx context.Context, wav []byte) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.sttModel,
		FilePath: "answer.wav",
		Reader:   bytes.NewReader(wav),
		Language: c.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	text := strings.TrimSpace(resp.Text)
	slog.Debug("transcription received", "model", c.sttModel, "text", text)
	return text, nil
}

// Render synthesizes text as WAV audio.
func (c *OpenAI) Render(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, fmt.Errorf("speech API call: %w", err)
	}
	defer resp.Close()
	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech audio: %w", err)
	}
	return audio, nil
}
