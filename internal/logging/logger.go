package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service logger. Development gets a human readable console
// writer, every other env gets JSON lines with caller info.
func New(service, env string) zerolog.Logger {
	return newWithWriter(os.Stdout, service, env)
}

func newWithWriter(w io.Writer, service, env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if env == "dev" || env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().
			Timestamp().
			Str("service", service).
			Logger().
			Level(zerolog.DebugLevel)
	}

	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger().
		Level(zerolog.InfoLevel)
}
