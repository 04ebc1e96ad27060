// Package logmgr serves the log_upload operation of the main device: it
// extracts the tail of a configured log file, optionally filtered by a
// search text, compresses it with zstd and uploads it to the requester.
package logmgr
