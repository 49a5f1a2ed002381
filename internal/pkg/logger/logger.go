// Package logger configures zerolog for the pipeline and provides PII
// redaction helpers. Lead contact data (emails, phone numbers) must never
// appear unredacted in log output.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init sets the global level and output. Call once at boot; "console"
// enables the human-readable writer for local development.
func Init(level string, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	root = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// L returns the root logger.
func L() zerolog.Logger { return root }
