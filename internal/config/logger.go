package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "ZONE_LOG_LEVEL"
	EnvLogNoColor = "ZONE_LOG_NOCOLOR"
)

// NewLogger builds a console logger for app at level. ZONE_LOG_LEVEL and
// ZONE_LOG_NOCOLOR override the arguments when set to valid values.
func NewLogger(out io.Writer, app, level string) zerolog.Logger {
	lvl, ok := parseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	if v, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		lvl = v
	}
	noColor := false
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		noColor = v
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
