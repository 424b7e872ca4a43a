// Package corelog configures the structured logger shared by every
// core component (spec §6's diagnostics surface, carried as ambient
// infrastructure regardless of the spec's explicit observability
// non-goals). The child tool's own stderr is never routed through
// here: it passes straight to the invoking process, mirroring the
// teacher's cmd.Stderr = os.Stderr idiom in proc.go.
package corelog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level names accepted by New's level argument.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New builds a console-formatted logger writing to w (os.Stderr in
// production, a buffer in tests). An unrecognized level falls back to
// info.
func New(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: !isTerminal(w)}).
		Level(parseLevel(level)).
		With().Timestamp().Logger()
}

// Default returns the production logger: console output on stderr at
// info level, overridable via BUILDCACHE_LOG_LEVEL (bound by
// cmd/corecache through viper).
func Default(level string) zerolog.Logger {
	return New(os.Stderr, level)
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
