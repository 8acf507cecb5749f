// Package stores persists converge's local state in SQLite: the content of
// targets before they are overwritten, run history with per-resource
// outcomes, and an audit trail of target writes and restores.
//
// SQLiteStore implements flatfile.Bucket, so it can be handed directly to a
// flat-file provider as its backup bucket. Schema changes are applied by
// Migrate from the embedded migrations directory.
package stores
