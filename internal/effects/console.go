package effects

import "log/slog"

// SlogConsole adapts a slog logger to ConsoleEffects.
type SlogConsole struct {
	Logger *slog.Logger
}

func (c SlogConsole) Debug(msg string, args ...any) { c.Logger.Debug(msg, args...) }
func (c SlogConsole) Info(msg string, args ...any) { c.Logger.Info(msg, args...) }
func (c SlogConsole) Warn(msg string, args ...any) { c.Logger.Warn(msg, args...) }
func (c SlogConsole) Error(msg string, args ...any) { c.Logger.Error(msg, args...) }
