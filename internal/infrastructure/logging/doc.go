// Package logging provides structured logging for the ESP bridge.
//
// It wraps log/slog so every component logs key/value records with the
// same default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("connected to broker", "broker", addr)
//	logger.With("component", "bridge").Warn("publish failed", "topic", t, "error", err)
//
// Never log device tokens in full.
package logging
