package deepgram

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/harunnryd/voxrelay/pkg/resilience"
)

func TestTranscribeExtractsFirstAlternative(t *testing.T) {
	var gotModel string
	var gotBytes []byte
	tr := newTranscriber(Config{Model: "nova-2"}, func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error) {
		gotModel = opts.Model
		gotBytes, _ = io.ReadAll(src)
		return map[string]any{
			"results": map[string]any{
				"channels": []any{
					map[string]any{"alternatives": []any{map[string]any{"transcript": " hello world ", "confidence": 0.9}}},
				},
			},
		}, nil
	})
	text, err := tr.Transcribe(context.Background(), []byte("audio"))
	if err != nil || text != "hello world" {
		t.Fatalf("unexpected result %q, %v", text, err)
	}
	if gotModel != "nova-2" || string(gotBytes) != "audio" {
		t.Fatalf("unexpected request model=%q bytes=%q", gotModel, gotBytes)
	}
}

func TestTranscribeRetriesThenSucceeds(t *testing.T) {
	calls := 0
	tr := newTranscriber(Config{MaxRetries: 2, Backoff: time.Millisecond}, func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error) {
		calls++
		// The reader must be fresh on every attempt.
		if b, _ := io.ReadAll(src); string(b) != "audio" {
			t.Errorf("attempt %d read %q", calls, b)
		}
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{}, nil
	})
	text, err := tr.Transcribe(context.Background(), []byte("audio"))
	if err != nil || text != "" || calls != 2 {
		t.Fatalf("expected empty transcript after retry, got %q, %v, %d calls", text, err, calls)
	}
}

func TestTranscribeMapsRateLimit(t *testing.T) {
	tr := newTranscriber(Config{}, func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error) {
		return nil, errors.New("DG-429: Too Many Requests")
	})
	_, err := tr.Transcribe(context.Background(), []byte("audio"))
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
