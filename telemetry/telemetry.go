// Package telemetry wraps go-ethereum's structured leveled logger (already
// pulled in for rlpcodec's wire types) in a small per-component Logger,
// grounded on the corpus's convention of small, structured per-component
// loggers (the teacher carries no logging library of its own). A fatal KV
// error also reports to Sentry via FatalStorage, matching the "crash for
// db failure" path in spec.md §7.
package telemetry

import (
	"os"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

// Logger is the leveled, structured logging surface used throughout this
// module. It deliberately exposes only the handful of methods callers need
// (no generic Log(level, ...)) so call sites read the same way regardless
// of which component is logging.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

type gethLogger struct {
	l gethlog.Logger
}

// New builds a Logger writing go-ethereum's terminal format to stderr at
// the given minimum level ("debug", "info", "warn", "error"; defaults to
// "info").
func New(component string, level string) Logger {
	handler := gethlog.NewTerminalHandlerWithLevel(os.Stderr, parseLevel(level), false)
	return &gethLogger{l: gethlog.NewLogger(handler).New("component", component)}
}

func parseLevel(level string) gethlog.Level {
	switch level {
	case "debug":
		return gethlog.LevelDebug
	case "warn":
		return gethlog.LevelWarn
	case "error":
		return gethlog.LevelError
	default:
		return gethlog.LevelInfo
	}
}

func (g *gethLogger) Debugw(msg string, kv ...interface{}) { g.l.Debug(msg, kv...) }
func (g *gethLogger) Infow(msg string, kv ...interface{})  { g.l.Info(msg, kv...) }
func (g *gethLogger) Warnw(msg string, kv ...interface{})  { g.l.Warn(msg, kv...) }
func (g *gethLogger) Errorw(msg string, kv ...interface{}) { g.l.Error(msg, kv...) }

func (g *gethLogger) With(kv ...interface{}) Logger {
	return &gethLogger{l: g.l.New(kv...)}
}

// InitSentry wires the Sentry client used by FatalStorage. Safe to call
// with an empty dsn (becomes a no-op reporter), which is the default for
// tests and local inspection via cmd/coretriectl.
func InitSentry(dsn, environment string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

// FatalStorage reports an unrecoverable storage-layer error to Sentry and
// logs it before the caller panics. spec.md §7 treats any KV-engine error
// (not found, which is a normal condition, is excluded) as fatal: the
// process cannot make progress with a corrupt or unreachable delta-db.
func FatalStorage(log Logger, err error, context_ map[string]interface{}) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range context_ {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
	sentry.Flush(sentryFlushTimeout)
	kv := make([]interface{}, 0, 2+2*len(context_))
	kv = append(kv, "error", err)
	for k, v := range context_ {
		kv = append(kv, k, v)
	}
	if log != nil {
		log.Errorw("fatal storage error", kv...)
	}
}
