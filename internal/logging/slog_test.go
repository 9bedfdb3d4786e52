package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlogLogger_ForwardsLevelsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log := NewSlogLogger(base).With("component", "engine")
	ctx := context.Background()

	log.Debug(ctx, "debug line", "k", "v")
	log.Info(ctx, "info line")
	log.Warn(ctx, "warn line")
	log.Error(ctx, "error line")

	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "k=v")
}
