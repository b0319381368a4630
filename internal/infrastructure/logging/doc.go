// Package logging provides structured logging for the IoT gateway.
//
// It wraps log/slog so every component logs the same way:
//
//   - JSON output for production, text for development
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("gateway started", "port", 10000)
//
// Never log tokens, passwords or broker credentials.
package logging
