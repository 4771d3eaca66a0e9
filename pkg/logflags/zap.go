package logflags

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func makeLogger(flag bool, layer string) Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:      "timestamp",
		LevelKey:     "level",
		NameKey:      "layer",
		MessageKey:   "message",
		CallerKey:    "caller",
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
		EncodeName:   zapcore.FullNameEncoder,
	}

	level := zapcore.ErrorLevel
	if flag {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(zapcore.AddSync(logOut)),
		level,
	)

	return zap.New(core, zap.AddCaller()).Named(layer).Sugar()
}

func HTTPLogger() Logger {
	return makeLogger(http, "http")
}

func PointerLogger() Logger {
	return makeLogger(pointer, "pointer")
}

func TracerLogger() Logger {
	return makeLogger(tracer, "tracer")
}

func ProxyLogger() Logger {
	return makeLogger(proxy, "proxy")
}

func NativeLogger() Logger {
	return makeLogger(native, "native")
}
