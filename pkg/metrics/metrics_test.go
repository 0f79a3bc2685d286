package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSamplingObserverOnlyThinsNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventChunkSent)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventChunkSent})
		s.RecordEvent(MetricsEvent{Name: EventTurnStarted})
	}
	if got := mem.Count(EventChunkSent); got != 2 {
		t.Fatalf("expected 2 sampled chunk events, got %d", got)
	}
	if got := mem.Count(EventTurnStarted); got != 8 {
		t.Fatalf("expected all turn events, got %d", got)
	}
}

func TestAsyncObserverCloseDrains(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		Record(a, EventChunkSent, float64(i), nil, nil)
	}
	a.Close()
	if got := mem.Count(EventChunkSent); got != 10 {
		t.Fatalf("expected 10 events after close, got %d", got)
	}
	a.RecordEvent(MetricsEvent{Name: EventChunkSent})
	if got := mem.Count(EventChunkSent); got != 10 {
		t.Fatalf("expected no events after close, got %d", got)
	}
}

func TestRecordNilObserver(t *testing.T) {
	Record(nil, EventTurnStarted, 1, nil, nil)
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	o.RecordEvent(MetricsEvent{Name: EventChunkSent, Value: 3, Tags: map[string]string{"session_id": "s1"}})
	o.RecordEvent(MetricsEvent{Name: EventTurnCompleted, Fields: map[string]any{"chunks": 4}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var first struct {
		Name  string            `json:"name"`
		Value float64           `json:"value"`
		Tags  map[string]string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Name != EventChunkSent || first.Value != 3 || first.Tags["session_id"] != "s1" {
		t.Fatalf("unexpected line: %+v", first)
	}
	if !strings.Contains(lines[1], `"fields":{"chunks":4}`) {
		t.Fatalf("fields not grouped: %s", lines[1])
	}
}

func TestOpenJSONLFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	for i := 0; i < 2; i++ {
		o, err := OpenJSONLFile(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		o.RecordEvent(MetricsEvent{Name: EventSessionOpened})
		if err := o.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := strings.Count(string(b), EventSessionOpened); got != 2 {
		t.Fatalf("expected 2 appended events, got %d", got)
	}
}
