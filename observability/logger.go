package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "EPOCHSYNC_LOG_LEVEL"

// InitLogger installs a console logger tagged with app as the global logger
// and returns it.
func InitLogger(app, level string) zerolog.Logger {
	return initLogger(os.Stdout, app, level)
}

func initLogger(out io.Writer, app, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	logger := zerolog.New(output).Level(ParseLevel(level)).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a config or env level name to a zerolog level. Unknown
// names fall back to info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child of the global logger tagged with component.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
