package core

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from config: console writer for
// interactive use, raw JSON for machine ingestion.
func NewLogger(cfg *Config) zerolog.Logger {
	return newLogger(cfg, nil)
}

// NewLoggerWithBuffer builds the daemon logger, teeing JSON lines into buf
// so the API can serve recent log history.
func NewLoggerWithBuffer(cfg *Config, buf *LogRingBuffer) zerolog.Logger {
	return newLogger(cfg, buf)
}

func newLogger(cfg *Config, buf *LogRingBuffer) zerolog.Logger {
	var out zerolog.LevelWriter
	if cfg.Logging.Format == "json" {
		out = zerolog.MultiLevelWriter(os.Stdout)
	} else {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	if buf != nil {
		// The buffer always receives the JSON form, console rendering aside.
		out = zerolog.MultiLevelWriter(out, buf)
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}
