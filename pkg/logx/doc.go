// Package logx is vaultpulse's logging facade over zerolog: human-readable
// console output with a short caller, optional JSON file sink, and loggers
// that survive runtime reconfiguration.
package logx
