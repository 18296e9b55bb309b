package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestZerologLogger_NilLoggerIsNop(t *testing.T) {
	logger := NewLogger(nil)
	logger.Info("dropped", goentitle.Field{Key: "k", Value: "v"})
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("m") }, "debug"},
		{"info", func(l *Logger) { l.Info("m") }, "info"},
		{"warn", func(l *Logger) { l.Warn("m") }, "warn"},
		{"error", func(l *Logger) { l.Error("m") }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			zlog := zerolog.New(&buf)
			tt.log(NewLogger(&zlog))

			line := decodeLine(t, &buf)
			if line["level"] != tt.level {
				t.Errorf("level = %v, want %s", line["level"], tt.level)
			}
			if line["message"] != "m" {
				t.Errorf("message = %v, want m", line["message"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if buf.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_TypedFields(t *testing.T) {
	var buf bytes.Buffer
	zlog := zerolog.New(&buf)
	logger := NewLogger(&zlog)

	logger.Warn("subscription state divergence",
		goentitle.Field{Key: "principal_id", Value: "org_1"},
		goentitle.Field{Key: "attempt", Value: 2},
		goentitle.Field{Key: "entitled", Value: true},
		goentitle.Field{Key: "error", Value: errors.New("boom")},
		goentitle.Field{Key: "elapsed", Value: 1500 * time.Millisecond},
		goentitle.Field{Key: "extra", Value: []string{"a"}},
	)

	line := decodeLine(t, &buf)
	if line["principal_id"] != "org_1" {
		t.Errorf("principal_id = %v", line["principal_id"])
	}
	if line["attempt"] != float64(2) {
		t.Errorf("attempt = %v", line["attempt"])
	}
	if line["entitled"] != true {
		t.Errorf("entitled = %v", line["entitled"])
	}
	if line["error"] != "boom" {
		t.Errorf("error = %v", line["error"])
	}
	if _, ok := line["elapsed"]; !ok {
		t.Error("expected elapsed field")
	}
	if _, ok := line["extra"]; !ok {
		t.Error("expected extra field")
	}
}
