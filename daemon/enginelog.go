package daemon

import (
	"context"

	temporallog "go.temporal.io/sdk/log"
	"goa.design/clue/log"
)

// EngineLogger adapts the engine SDK's logger interface onto the daemon's
// structured logger, so worker internals land in the same stream with the
// same format.
type EngineLogger struct {
	ctx context.Context
}

var _ temporallog.Logger = EngineLogger{}

// NewEngineLogger returns a logger bound to the daemon's log context.
func NewEngineLogger(ctx context.Context) EngineLogger {
	return EngineLogger{ctx: ctx}
}

func (l EngineLogger) Debug(msg string, keyvals ...any) {
	log.Debug(l.ctx, fielders(msg, keyvals)...)
}

func (l EngineLogger) Info(msg string, keyvals ...any) {
	log.Info(l.ctx, fielders(msg, keyvals)...)
}

func (l EngineLogger) Warn(msg string, keyvals ...any) {
	log.Warn(l.ctx, fielders(msg, keyvals)...)
}

func (l EngineLogger) Error(msg string, keyvals ...any) {
	log.Error(l.ctx, nil, fielders(msg, keyvals)...)
}

// fielders converts (k1, v1, k2, v2, ...) into clue fielders, prefixed with
// the message. Non-string keys are dropped.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, log.KV{K: k, V: keyvals[i+1]})
	}
	return out
}
