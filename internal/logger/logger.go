package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/agentmeter/paygate/internal/config"
)

// New returns a configured zerolog.Logger. Development environments get a
// console writer; everything else gets structured JSON on stderr.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
