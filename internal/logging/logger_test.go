package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewHonorsConfiguredLevel(t *testing.T) {
	logger := New(slog.LevelWarn)
	ctx := context.Background()
	if logger.Handler().Enabled(ctx, slog.LevelInfo) {
		t.Fatal("expected info records to be filtered out at warn level")
	}
	if !logger.Handler().Enabled(ctx, slog.LevelWarn) {
		t.Fatal("expected warn records to be enabled at warn level")
	}
	if !logger.Handler().Enabled(ctx, slog.LevelError) {
		t.Fatal("expected error records to be enabled at warn level")
	}
}

func TestNewDefaultsToJSONHandler(t *testing.T) {
	logger := New(slog.LevelDebug)
	if _, ok := logger.Handler().(*slog.JSONHandler); !ok {
		t.Fatalf("expected a JSON handler for backend log output, got %T", logger.Handler())
	}
}
