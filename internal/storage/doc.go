// Package storage provides the small persistence layer behind vaultpulse.
//
// It supports:
//   - An append-only audit trail of pulse channel results
//   - Persisted local settings (e.g. the optional broadcast webhook URL)
//
// The broadcast queue itself is deliberately not persisted.
package storage
