// Package telemetry provides the logging facade used by activities and the
// worker process. Workflow code should prefer workflow.GetLogger(ctx)
// directly (it is already replay-safe); this package serves the code that
// runs outside the replay sandbox. The submission CLI does not use it.
package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// Logger is the small structured-logging interface every non-workflow
// component in this repository codes against, instead of reaching for
// goa.design/clue/log's package-level functions directly.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// clueLogger adapts goa.design/clue/log to the Logger interface.
type clueLogger struct{}

// NewLogger returns a Logger that delegates to goa.design/clue/log.
func NewLogger() Logger { return clueLogger{} }

// InitContext installs a Clue logger in ctx: JSON-formatted unless attached
// to a terminal, debug-level when debug is true. Call once at process
// startup, mirroring how the teacher's example command wires up Clue before
// doing anything else.
func InitContext(ctx context.Context, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fields := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvSliceToClue(keyvals)...)
	log.Warn(ctx, fields...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	return append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
}

// kvSliceToClue converts variadic key-value pairs (k1, v1, k2, v2, ...) into
// Clue's log.Fielder slice. Pairs whose key isn't a string are skipped; an
// odd-length slice pairs its last key with nil.
func kvSliceToClue(keyvals []any) []log.Fielder {
	var out []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

// noopLogger discards everything. Used as the zero-value default so
// components never need a nil check before logging.
type noopLogger struct{}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
