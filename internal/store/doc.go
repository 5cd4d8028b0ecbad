// Package store provides durable storage effect backends.
//
// Every backend implements effects.StorageEffects over an opaque
// string-keyed byte store:
//   - SQLite: a kv table in a WAL-mode database, schema versioned by
//     user_version
//   - Bolt: a single bbolt bucket
//   - Redis: prefixed keys on a Redis server, listed with SCAN
//   - Fallback: a chain that reads from the first backend holding a key
//     and writes to all of them
//
// List returns keys in ascending byte order on every backend, and a
// missing key is STORAGE_NOT_FOUND. Backend I/O failures surface as
// STORAGE_IO.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
