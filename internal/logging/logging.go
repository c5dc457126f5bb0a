// Package logging wires the structured logger to a zap backend.
package logging

import (
	"encoding/json"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. Log lines are structured through
// ectologger and emitted by zap, so level filtering and output encoding
// follow the zap configuration.
func New(level string, pretty bool) (ectologger.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	if pretty {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	zapCfg.DisableCaller = true

	zlog, err := zapCfg.Build()
	if err != nil {
		return nil, nil, err
	}

	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		write(zlog, msg)
	})

	cleanup := func() { _ = zlog.Sync() }
	return logger, cleanup, nil
}

// write flattens an ectologger message into zap fields. The message is
// round-tripped through JSON so every field ectologger collected lands in
// the output without coupling to its struct layout.
func write(zlog *zap.Logger, msg ectologger.EctoLogMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		zlog.Error("unencodable log message")
		return
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		zlog.Error(string(raw))
		return
	}

	level := "info"
	if v, ok := flat["level"].(string); ok && v != "" {
		level = v
	}
	text := ""
	if v, ok := flat["message"].(string); ok {
		text = v
	}
	delete(flat, "level")
	delete(flat, "message")

	fields := make([]zap.Field, 0, len(flat))
	for key, value := range flat {
		fields = append(fields, zap.Any(key, value))
	}

	switch parseLevel(level) {
	case zapcore.DebugLevel:
		zlog.Debug(text, fields...)
	case zapcore.WarnLevel:
		zlog.Warn(text, fields...)
	case zapcore.ErrorLevel, zapcore.FatalLevel:
		zlog.Error(text, fields...)
	default:
		zlog.Info(text, fields...)
	}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
