// Package store provides persistent storage for coven-chat.
//
// # Data Models
//
//   - User: stable identity with a unique, case-insensitive handle
//   - Conversation: direct (exactly two participants) or group, with Participants
//   - Message: text and/or media reference, optional client idempotency token,
//     recall and delete markers
//   - ReadState: per (conversation, user) last-read marker
//
// # Atomic operations
//
// Two operations are atomic so that callers never need their own locking:
//
//   - InsertMessage: insert-if-absent keyed by (conversation, sender, client message id)
//   - AdvanceReadState: write only when the new timestamp is strictly newer
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings with nanosecond precision so
// that ORDER BY on the text column follows time order.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") or a file in
// t.TempDir() for tests against real SQLite.
package store
