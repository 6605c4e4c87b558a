// Package logger wraps zap with a global sugared logger and context helpers.
//
// Services never hold a logger themselves: they receive a context and call
// the package-level functions (InfoKV, ErrorKV, Debugf, ...), which extract a
// named, field-enriched logger from it. Configure optionally mirrors output
// into a size-rotated log file.
package logger
