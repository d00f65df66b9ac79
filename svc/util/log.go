package util

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog = zerolog.New(io.Discard)

func InitLog(level string, dev bool) {
	var out io.Writer = os.Stdout
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", "pasteforge").
		Caller().
		Logger()
	log.Logger = globalLog
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// Ctx returns the global logger tagged with the request id carried by ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := globalLog.With().Str("request_id", GetRequestID(ctx)).Logger()
	return &l
}
