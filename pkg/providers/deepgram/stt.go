package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/resilience"
)

type Config struct {
	APIKey      string
	Model       string
	Language    string
	SmartFormat bool
	MaxRetries  int
	Backoff     time.Duration
}

// streamFunc sends one pre-recorded utterance and returns the SDK response.
type streamFunc func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error)

// Transcriber uses Deepgram's pre-recorded REST API, one request per utterance.
type Transcriber struct {
	cfg        Config
	fromStream streamFunc
	retry      resilience.RetryPolicy
	logger     *slog.Logger
}

func New(cfg Config) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	dg := api.New(client.NewREST(cfg.APIKey, &interfaces.ClientOptions{}))
	return newTranscriber(cfg, func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error) {
		res, err := dg.FromStream(ctx, src, opts)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}

func newTranscriber(cfg Config, fn streamFunc) *Transcriber {
	return &Transcriber{
		cfg:        cfg,
		fromStream: fn,
		retry:      resilience.NewRetryPolicy(cfg.MaxRetries, cfg.Backoff),
		logger:     logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    t.cfg.Language,
		SmartFormat: t.cfg.SmartFormat,
	}
	var text string
	attempt := 0
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		res, err := t.fromStream(ctx, bytes.NewReader(audio), opts)
		if err != nil {
			if isRateLimit(err) {
				return resilience.RateLimitError{Provider: "deepgram", Message: err.Error()}
			}
			t.logger.Debug("deepgram_request_failed", "attempt", attempt, "error", err)
			return err
		}
		text, err = transcriptOf(res)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("deepgram transcribe: %w", err)
	}
	return text, nil
}

// prerecordedResult mirrors the part of the response the relay reads.
type prerecordedResult struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func transcriptOf(res any) (string, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	var out prerecordedResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Results.Channels[0].Alternatives[0].Transcript), nil
}

func isRateLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}
