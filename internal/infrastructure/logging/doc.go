// Package logging provides structured logging for MRS Core.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same shape. Entries carry service and version fields; engine
// entries additionally carry task_id, actor, source, subsystem and reason so
// failures can be traced next to the task event log.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8080)
//	logger.Error("failed to connect", "error", err)
//
// Never log secrets, DSNs with passwords, or tokens.
package logging
