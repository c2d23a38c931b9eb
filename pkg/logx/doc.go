// Package logx configures taskclock's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A zero-value Logger that is a safe no-op
package logx
