package obs

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	base         atomic.Pointer[zerolog.Logger]
	debugEnabled atomic.Bool
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetOutput(os.Stdout)
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) {
	l := zerolog.New(w).With().Timestamp().Logger()
	base.Store(&l)
}

type Fields map[string]any

func logWith(ev *zerolog.Event, msg string, f Fields) {
	if len(f) > 0 {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(base.Load().Info(), msg, f) }
func Error(msg string, f Fields) { logWith(base.Load().Error(), msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled.Load() {
		logWith(base.Load().Debug(), msg, f)
	}
}
