package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dreamware/halo/internal/config"
)

// NewLogger builds the process logger on stdout and installs it as the
// zerolog global.
func NewLogger(app string, cfg config.LogConfig) zerolog.Logger {
	logger := NewLoggerTo(os.Stdout, app, cfg)
	log.Logger = logger
	return logger
}

// NewLoggerTo builds a logger writing to out. Unknown levels fall back to
// info; Validate reports them before a binary gets here.
func NewLoggerTo(out io.Writer, app string, cfg config.LogConfig) zerolog.Logger {
	level, _ := config.ParseLevel(cfg.Level)

	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
}
