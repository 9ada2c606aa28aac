package logging

import (
	"log/slog"
	"testing"

	"github.com/roadhaus/coach-core/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_DoesNotPanic(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		l := New(config.LoggingConfig{Level: "debug", Format: format, Output: "stderr"}, "test")
		if l == nil {
			t.Fatalf("New() returned nil for format %q", format)
		}
		l.Debug("smoke", "format", format)
	}
}

func TestWith_ReturnsDerivedLogger(t *testing.T) {
	base := Default()
	derived := base.With("component", "safety")
	if derived == nil || derived.Logger == base.Logger {
		t.Fatal("With() should return a new derived logger")
	}
}
