// Package erasure provides Reed-Solomon erasure coding for persisted keylink state.
//
// A blob is split into data shards plus parity shards, each stored with its
// own SHA-256 checksum. Any shard whose checksum no longer matches is treated
// as lost, so with 4 data and 2 parity shards up to two damaged shards are
// repaired transparently on read.
//
// This implementation uses the klauspost/reedsolomon library.
package erasure
