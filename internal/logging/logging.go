package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. format is "json" (default) or
// "text" for a human readable console writer.
func Init(level, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination. An unknown level falls
// back to info and is reported once the logger is in place.
func InitWriter(out io.Writer, level, format string) {
	var w io.Writer = out
	if strings.EqualFold(format, "text") {
		w = zerolog.ConsoleWriter{Out: out}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	lvl, err := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	if err != nil {
		log.Warn().Err(err).Str("log_level", level).Msg("using info level")
	}
}

// ParseLevel maps a config string to a zerolog level. Empty means info; an
// unknown name returns info together with the parse error.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return lvl, nil
}
