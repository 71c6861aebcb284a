// Package payload carries the opaque operation data stored in WAL entries,
// idempotency results and saga contexts.
//
// A Payload is a kind tag plus canonical JSON bytes. Canonical form makes
// payloads comparable and hashable:
//   - Object keys sorted by UTF-16 code units
//   - No insignificant whitespace
//   - Strings NFC-normalized, no HTML escaping
//   - Number literals preserved as written (no float round-trip)
//
// Decoding into concrete Go types goes through a Registry keyed by kind, so
// consumers switch on a closed set of known operation types.
package payload
