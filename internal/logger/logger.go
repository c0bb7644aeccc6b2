// Package logger builds the zap logger shared by every component.
package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option holds logger settings.
type Option struct {
	Level       zapcore.Level
	MultiWriter []io.Writer
}

// OptionFunc mutates an Option.
type OptionFunc func(*Option)

// OptionSetLevel sets the minimum level.
func OptionSetLevel(level zapcore.Level) OptionFunc {
	return func(o *Option) {
		o.Level = level
	}
}

// OptionAddWriter adds an output in addition to stdout.
func OptionAddWriter(w io.Writer) OptionFunc {
	return func(o *Option) {
		o.MultiWriter = append(o.MultiWriter, w)
	}
}

// OptionSetWriter replaces every output with w.
func OptionSetWriter(w io.Writer) OptionFunc {
	return func(o *Option) {
		o.MultiWriter = []io.Writer{w}
	}
}

// ParseLevel maps a LOG_LEVEL value to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// New returns a JSON logger writing to stdout unless told otherwise.
func New(opts ...OptionFunc) *zap.SugaredLogger {
	opt := Option{
		Level:       zapcore.InfoLevel,
		MultiWriter: []io.Writer{os.Stdout},
	}
	for _, o := range opts {
		o(&opt)
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:   "message",
		LevelKey:     "level",
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		TimeKey:      "time",
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		CallerKey:    "caller",
		EncodeCaller: zapcore.ShortCallerEncoder,
	})

	cores := make([]zapcore.Core, 0, len(opt.MultiWriter))
	for _, w := range opt.MultiWriter {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), opt.Level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}
