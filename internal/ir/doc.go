// Package ir holds the shared types of the datastore: attribute values,
// records, model schemas, mutation and sync metadata, and the error type.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Constraints:
//   - no float values; numbers are int64
//   - persisted payloads use the canonical JSON of MarshalCanonical
//   - JSON tags are snake_case
package ir
