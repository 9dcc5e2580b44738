package logging

import (
	"sync"
	"testing"
)

// recordingLogger captures calls for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingLogger) record(format string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, format)
}

func (r *recordingLogger) Debug(format string, _ ...any) { r.record(format) }
func (r *recordingLogger) Info(format string, _ ...any)  { r.record(format) }
func (r *recordingLogger) Warn(format string, _ ...any)  { r.record(format) }
func (r *recordingLogger) Error(format string, _ ...any) { r.record(format) }

func (r *recordingLogger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestOrNop_NilLogger(t *testing.T) {
	logger := OrNop(nil)
	if logger == nil {
		t.Fatal("OrNop returned nil")
	}
	logger.Info("should not panic")
}

func TestOrNop_NilPointer(t *testing.T) {
	var typed *recordingLogger
	logger := OrNop(typed)
	logger.Info("should not panic")
}

func TestOrNop_PassThrough(t *testing.T) {
	rec := &recordingLogger{}
	logger := OrNop(rec)
	logger.Info("hello")
	if rec.count() != 1 {
		t.Errorf("expected 1 entry, got %d", rec.count())
	}
}

func TestMulti_FanOut(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}
	logger := Multi(a, nil, b)
	logger.Warn("w")
	logger.Error("e")
	if a.count() != 2 || b.count() != 2 {
		t.Errorf("expected 2 entries each, got %d and %d", a.count(), b.count())
	}
}

func TestMulti_FlattensNested(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}
	nested := Multi(a, b)
	logger := Multi(nested)
	if ml, ok := logger.(*multiLogger); !ok || len(ml.loggers) != 2 {
		t.Fatalf("expected flattened multi logger with 2 targets, got %T", logger)
	}
}

func TestMulti_Empty(t *testing.T) {
	logger := Multi(nil, nil)
	logger.Debug("discarded")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for input, want := range cases {
		if got := ParseLevel(input).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}
