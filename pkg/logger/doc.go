// Package logger provides a slog.Logger factory with environment presets and
// context-driven attribute injection.
//
// Components across the codebase accept *slog.Logger in their constructors;
// this package builds the one instance the host application passes around.
//
//	log := logger.New(logger.WithProduction("classpulse"))
//	logger.SetAsDefault(log)
package logger
