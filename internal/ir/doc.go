// Package ir holds the value model and data types shared by every assay package.
//
// ir imports nothing internal. Every other package depends on it, so it stays
// free of storage, scheduling, or I/O concerns.
//
// Key constraints:
//   - No float values (Value has no float variant) so hashes stay stable
//   - Identity is content-addressed: CompoundID and TaskKey.ID hash canonical JSON
//   - JSON tags use snake_case
package ir
