package testutils

import (
	"io"
	"log/slog"
	"os"
)

// NewTestLogger returns a debug-level logger for tests. Output is discarded
// unless TEST_LOG is set, to keep test runs quiet by default.
func NewTestLogger() *slog.Logger {
	var out io.Writer = io.Discard
	if os.Getenv("TEST_LOG") != "" {
		out = os.Stdout
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		AddSource:   false,
		Level:       slog.LevelDebug,
		ReplaceAttr: nil,
	}))
}
