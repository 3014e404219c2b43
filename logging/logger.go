// Package logging builds the zap loggers used across the service.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared console logger at the given level.
func New(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), lvl)

	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel)).Sugar(), nil
}

// NewTest logs at debug level, for use in tests only.
func NewTest() *zap.SugaredLogger {
	l, _ := New("debug")
	return l
}
