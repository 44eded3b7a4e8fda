package utils

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	once   sync.Once
)

func GetLogger() *zap.SugaredLogger {
	once.Do(func() {
		logger = NewLogger()
	})
	return logger
}

// SetLevel changes the level of every logger returned by GetLogger.
func SetLevel(l string) error {
	parsed, err := zapcore.ParseLevel(l)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

func NewLogger() *zap.SugaredLogger {
	cfg := zap.Config{
		Level:    level,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			TimeKey:     "time",
			NameKey:     "logger",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
			EncodeName:  zapcore.FullNameEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}
