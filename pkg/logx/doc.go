// Package logx configures joinbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// There is no package-level logger; components receive a Logger at
// construction time.
package logx
