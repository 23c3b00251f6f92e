package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"stablecore/internal/config"
)

func TestNewDefaultsEmptyEncoding(t *testing.T) {
	l, err := New(config.LogConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatalf("expected logger")
	}
}

func TestNewBadLevelFallsBack(t *testing.T) {
	l, err := New(config.LogConfig{Level: "shouting", Encoding: "console"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level enabled")
	}
}
