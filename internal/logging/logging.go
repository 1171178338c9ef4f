// Package logging centralizes process-wide slog configuration so every
// entry point (cmd/mcspd, tests, library callers embedding this module)
// configures the default logger the same way exactly once.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var initOnce sync.Once

// ParseLevel maps a config string to an slog.Level, defaulting to Info on
// an empty string and erroring on anything unrecognized.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Init installs a JSON slog handler at the given level as the process
// default logger. Safe to call more than once — only the first call takes
// effect, matching the once-per-process contract callers (cmd/mcspd, test
// setup) rely on.
func Init(levelStr string) {
	initOnce.Do(func() {
		lvl, err := ParseLevel(levelStr)
		if err != nil {
			lvl = slog.LevelInfo
		}

		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
		slog.SetDefault(slog.New(h))
	})
}
