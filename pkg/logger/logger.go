package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log defaults to a no-op logger so packages stay usable before InitLogger
// runs (tests in particular).
var Log = zap.NewNop()

func InitLogger(mode string) {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.OutputPaths = []string{"stdout"}
	var err error
	Log, err = config.Build()
	if err != nil {
		os.Exit(1)
	}
	zap.ReplaceGlobals(Log)
}
