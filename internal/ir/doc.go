// Package ir provides the shared representation types for secsync.
//
// It holds the constrained value model used for canonical encoding
// (String, Int, Bool, Array, Object), the RFC 8785 canonical JSON
// encoder, the signed protocol records (Snapshot, Update, EphemeralMessage)
// and the wire messages exchanged between a client and a relay.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - clocks and versions are int64
//   - Public data is always canonicalized before it is authenticated
//   - Wire JSON tags use camelCase
package ir
