// Package logging wires up the daemon's structured logger: a
// slog-plus-multiHandler-style fan-out (JSON to a debug log file, text
// to stdout) built on zap's zapcore.NewTee.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger that writes JSON records to logPath at debug level
// and human-readable text to stdout at info level.
func New(logPath string, mode string) (*zap.SugaredLogger, func(), error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, func() {}, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(logFile), zapcore.DebugLevel)

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	stdoutCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)

	core := zapcore.NewTee(fileCore, stdoutCore)
	base := zap.New(core).With(zap.String("mode", mode))

	cleanup := func() {
		_ = base.Sync()
		_ = logFile.Close()
	}
	return base.Sugar(), cleanup, nil
}
