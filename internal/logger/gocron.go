package logger

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// gocronLogger implements gocron.Logger on top of a sugared zap logger.
type gocronLogger struct {
	log *zap.SugaredLogger
}

// NewGocronLogger returns a gocron.Logger writing through logger.
//
//nolint:ireturn // gocron expects its own interface
func NewGocronLogger(logger *zap.Logger) gocron.Logger {
	return &gocronLogger{log: Component(logger, "gocron").Sugar()}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.log.Debugw(msg, normalizeArgs(args)...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.log.Infow(msg, normalizeArgs(args)...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.log.Warnw(msg, normalizeArgs(args)...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.log.Errorw(msg, normalizeArgs(args)...) }

// normalizeArgs turns gocron's loose key/value pairs into pairs zap accepts:
// non-string keys are stringified and a dangling value gets an "extra" key.
func normalizeArgs(args []any) []any {
	out := make([]any, 0, len(args)+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, "extra", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		val := args[i+1]
		if err, isErr := val.(error); isErr {
			out = append(out, key, err.Error())
			continue
		}
		out = append(out, key, val)
	}
	return out
}
