package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"

	"github.com/harunnryd/voxrelay/pkg/adapters/stt"
)

const (
	DefaultTranscribeModel = "gpt-4o-mini-transcribe"
	DefaultAudioFileName   = "audio.webm"
)

// Transcriber uploads an utterance to /audio/transcriptions.
type Transcriber struct {
	*Client
	cfg stt.Config
}

func NewTranscriber(client *Client, cfg stt.Config) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = DefaultTranscribeModel
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultAudioFileName
	}
	return &Transcriber{Client: client, cfg: cfg}
}

func (t *Transcriber) Name() string { return "openai" }

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("model", t.cfg.Model); err != nil {
		return "", err
	}
	if t.cfg.Language != "" {
		if err := w.WriteField("language", t.cfg.Language); err != nil {
			return "", err
		}
	}
	part, err := w.CreateFormFile("file", t.cfg.FileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url("/audio/transcriptions"), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := t.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Text, nil
}
