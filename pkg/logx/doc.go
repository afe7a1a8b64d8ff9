// Package logx wraps zerolog behind a small structured-logging API.
//
// It supports console, file, and Telegram sinks. Sink configuration can be
// swapped at runtime via Service.Apply without recreating loggers held by
// other components.
package logx
