// Package cache defines the disk-backed artifact cache keyed by source URI.
// A cache directory holds one index file (index.json) mapping each URI to an
// artifact ID, plus one artifact file per entry named by that ID. The index is
// only read-modified-written under an exclusive advisory file lock
// (index.lock) so cooperating processes never lose each other's entries, and
// every write goes through temp file + rename so readers never observe a
// partially written index or artifact.
package cache
