// Package logging provides the agent's structured logger, a thin wrapper
// over log/slog.
//
// Every record carries the service and version attributes; components add
// their own name with Component:
//
//	logger, err := logging.New(cfg.Logging, version)
//	fw := logger.Component("firmware")
//	fw.Info("work order published", "child", "child1")
//
// The output is stdout, stderr or a file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "/var/log/graylogic-agent/agent.log"
//
// A file output can be offered to the cloud through the log_upload
// operation by listing it under operations.log.files.
//
// Attributes named token, secret, password or authorization are written as
// [REDACTED].
package logging
