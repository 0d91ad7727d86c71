package logging

import (
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		" Error ": slog.LevelError,
		"DEBUG":   slog.LevelDebug,
	}
	for in, want := range cases {
		if got := levelFromString(in); got != want {
			t.Errorf("levelFromString(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestLevelFromStringDefaultsToInfo(t *testing.T) {
	for _, in := range []string{"", "verbose", "trace", "garbage"} {
		if got := levelFromString(in); got != slog.LevelInfo {
			t.Errorf("levelFromString(%q): got %v, want info", in, got)
		}
	}
}

func TestNewReturnsUsableLogger(t *testing.T) {
	logger := New("warn")
	if logger == nil {
		t.Fatal("New returned nil")
	}
	if logger.Enabled(nil, slog.LevelInfo) {
		t.Fatal("info must be suppressed at warn level")
	}
	if !logger.Enabled(nil, slog.LevelError) {
		t.Fatal("error must pass at warn level")
	}
}
