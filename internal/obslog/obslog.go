// Package obslog wraps github.com/wb-go/wbf/zlog
// (zlog.Logger.Info().Str(...).Msg(...)), giving every engine component
// a structured "component: message {fields}" trace through a single
// Logger(component, message) call.
package obslog

import (
	"github.com/wb-go/wbf/zlog"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
)

// Log is a zlog-backed implementation of publish.Logger.
type Log struct{}

// New constructs a Log. zlog.InitConsole/zlog.SetLevel are expected to
// have already been called by cmd/engine at startup, before anything
// touches zlog.Logger.
func New() *Log { return &Log{} }

var _ publish.Logger = (*Log)(nil)

// Log emits a debug-level structured trace line for component/message,
// attaching fields as key/value pairs.
func (l *Log) Log(component, message string, fields map[string]any) {
	evt := zlog.Logger.Debug().Str("component", component)
	for k, v := range fields {
		evt = evt.Any(k, v)
	}
	evt.Msg(message)
}

// Component returns a closure bound to a single component name, for call
// sites that log repeatedly from one package.
func (l *Log) Component(name string) func(message string, fields map[string]any) {
	return func(message string, fields map[string]any) {
		l.Log(name, message, fields)
	}
}
