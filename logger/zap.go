package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/betree"
)

// Zap wraps a zap.Logger to implement betree.Logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap creates a betree.Logger from a zap.Logger. Caller info points at
// the betree call site rather than this adapter.
func NewZap(logger *zap.Logger) betree.Logger {
	return &Zap{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *Zap) Error(msg string, args ...any) {
	z.sugar.Errorw(msg, args...)
}

func (z *Zap) Warn(msg string, args ...any) {
	z.sugar.Warnw(msg, args...)
}

func (z *Zap) Info(msg string, args ...any) {
	z.sugar.Infow(msg, args...)
}
