package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log *zap.Logger
)

func init() {
	// 默认初始化一个 Nop Logger，防止未 Init 就调用导致 panic
	Log = zap.NewNop()
}

// Init initializes the global logger
func Init(env string) {
	l, err := New(env)
	if err != nil {
		panic(err)
	}
	Log = l.WithOptions(zap.AddCallerSkip(1)) // Skip 1 caller so logs show where logger.Info was called, not wrapper

	// 替换全局 logger，zap.L() 与 Log 行为一致
	zap.ReplaceGlobals(l)
}

// New 按环境构造 logger: production 输出 JSON，其余输出彩色 console
func New(env string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return config.Build()
}

// L 返回未跳过调用栈的全局 logger，用于注入到各组件
func L() *zap.Logger {
	return zap.L()
}

// Sync flushes any buffered log entries
func Sync() {
	_ = Log.Sync()
}

// Helper functions for direct usage
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// NewAsynqLogger asynq 的 Logger 接口与 SugaredLogger 的 Debug/Info/Warn/Error/Fatal 签名一致
func NewAsynqLogger() *zap.SugaredLogger {
	return Log.Sugar()
}
