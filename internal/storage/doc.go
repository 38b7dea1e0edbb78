// Package storage provides the persistence layer for wacron.
//
// It owns:
//   - User rows (created by the external auth flow, deleted with cascade)
//   - Per-user connection rows (status + opaque credential blob)
//   - The schedule table the dispatcher reconciles against
//   - The delivery log (one row per dispatch fire)
package storage
