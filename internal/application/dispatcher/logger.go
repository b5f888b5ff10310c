package dispatcher

import "go.uber.org/zap"

// zapLogger adapts a zap logger to the dispatcher's key/value Logger
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps logger for use with WithLogger
func NewZapLogger(logger *zap.Logger) Logger {
	return &zapLogger{sugar: logger.Named("dispatcher").Sugar()}
}

func (l *zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}
