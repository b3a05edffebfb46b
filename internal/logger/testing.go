package logger

import (
	"log/slog"
	"os"
)

// TestLevelEnv names the variable that raises test log output, e.g.
// STAGEAUDIO_TEST_LOG=debug. Unknown names fall back to WARN.
const TestLevelEnv = "STAGEAUDIO_TEST_LOG"

// NewTestLogger returns a text logger on stderr for channel and engine tests.
// Only warnings and errors are printed unless TestLevelEnv asks for more.
func NewTestLogger() *slog.Logger {
	level := slog.LevelWarn
	if name := os.Getenv(TestLevelEnv); name != "" {
		if parsed, err := ParseLevel(name); err == nil {
			level = parsed
		}
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
