// Package storage persists what should survive a restart:
//   - Session history (one record per finished session)
//   - Audit log appends (operator actions)
//   - Optional notifier dedup state
package storage
