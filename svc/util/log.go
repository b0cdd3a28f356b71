package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog zerolog.Logger

// InitLog configures the process logger. dev switches to the console writer.
func InitLog(service, level string, dev bool) {
	InitLogTo(os.Stdout, service, level, dev)
}

func InitLogTo(w io.Writer, service, level string, dev bool) {
	var out io.Writer = redactWriter{w: w}
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        redactWriter{w: w},
			TimeFormat: time.RFC3339,
		}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(redactHook{})
	if dev {
		globalLog = globalLog.With().Caller().Logger()
	}
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

// redactWriter runs every encoded log line through RedactLogLine before it
// reaches the sink.
type redactWriter struct {
	w io.Writer
}

func (r redactWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(r.w, RedactLogLine(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// redactHook flags events whose message carried a key=value secret. The
// value itself is scrubbed by redactWriter.
type redactHook struct{}

func (h redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if msg != "" && secretPattern.MatchString(msg) {
		e.Bool("message_redacted", true)
	}
}
