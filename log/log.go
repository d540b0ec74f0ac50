// Package log provides structured, leveled logging in the style used
// throughout the gtos lineage: a Logger interface with alternating
// key/value context pairs, a process-wide root logger, and terminal-aware
// formatting.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Logger writes leveled, structured log records. Every method accepts a
// message followed by an even number of context arguments, interpreted as
// alternating keys and values.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})

	// New returns a Logger that prepends ctx to every record it emits.
	New(ctx ...interface{}) Logger
}

const (
	levelTrace = slog.Level(-8)
	levelCrit  = slog.Level(12)
)

type logger struct {
	inner *slog.Logger
	ctx   []interface{}
}

func (l *logger) with(level slog.Level, msg string, ctx []interface{}) {
	args := make([]interface{}, 0, len(l.ctx)+len(ctx))
	args = append(args, l.ctx...)
	args = append(args, ctx...)
	l.inner.Log(context.Background(), level, msg, args...)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.with(levelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.with(slog.LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.with(slog.LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.with(slog.LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.with(slog.LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.with(levelCrit, msg, ctx) }

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{inner: l.inner, ctx: merged}
}

var (
	rootMu sync.Mutex
	root   Logger = newDefault()
)

func newDefault() Logger {
	var w io.Writer = os.Stderr
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = colorable.NewColorable(f)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       levelTrace,
		ReplaceAttr: replaceLevel,
	})
	return &logger{inner: slog.New(handler)}
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl := a.Value.Any().(slog.Level)
	switch {
	case lvl <= levelTrace:
		a.Value = slog.StringValue("TRCE")
	case lvl < slog.LevelInfo:
		a.Value = slog.StringValue("DBUG")
	case lvl < slog.LevelWarn:
		a.Value = slog.StringValue("INFO")
	case lvl < slog.LevelError:
		a.Value = slog.StringValue("WARN")
	case lvl < levelCrit:
		a.Value = slog.StringValue("EROR")
	default:
		a.Value = slog.StringValue("CRIT")
	}
	return a
}

// Root returns the process-wide default logger.
func Root() Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return root
}

// SetRoot replaces the process-wide default logger, for tests and
// applications that want a different sink.
func SetRoot(l Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

// New returns a logger rooted at the default logger with the given context.
func New(ctx ...interface{}) Logger { return Root().New(ctx...) }

func Trace(msg string, ctx ...interface{}) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { Root().Crit(msg, ctx...) }

// Caller returns a "file:line" context pair for inclusion in a log call's
// ctx arguments, using the immediate caller's frame.
func Caller() (string, string) {
	call := stack.Caller(1)
	return "caller", fmt.Sprintf("%+v", call)
}
