// Package logx configures wereadbot's structured logging.
//
// The package wraps zerolog with a small value-type Logger to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated
//   - An optional alert sink (min-level + rate limiting) for operators
package logx
