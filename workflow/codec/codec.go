// Package codec provides the canonical serialization used for every checksum
// in the workflow core.
//
// The journal, the snapshot store, and the recovery engine all stamp and
// verify SHA-256 checksums over the canonical encoding of a value. Two
// implementations that agree on the canonical encoding agree on checksums, so
// the encoding must be byte-for-byte stable:
//   - map keys sorted lexicographically
//   - no insignificant whitespace
//   - numbers kept as their raw JSON literals (json.Number)
//   - strings in UTF-8 with JSON escaping
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical encoding of v.
//
// The value is first marshaled with encoding/json and then re-decoded into
// untyped form before the final marshal. The round trip erases struct field
// ordering and Go-specific numeric types, so a struct and the equivalent
// map produce identical bytes. encoding/json sorts map keys and emits
// compact output, which gives the determinism the checksums rely on.
//
// Returns an error if v is not JSON-serializable (channels, funcs, cycles).
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}

	// Decode into untyped form with Number preserved as the raw literal so
	// integers do not pick up a trailing ".0" on the way back out.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var untyped any
	if err := dec.Decode(&untyped); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	out, err := json.Marshal(untyped)
	if err != nil {
		return nil, fmt.Errorf("canonical re-encode: %w", err)
	}
	return out, nil
}

// Checksum computes the lowercase-hex SHA-256 checksum of the canonical
// encoding of v.
func Checksum(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(data), nil
}

// ChecksumBytes computes the lowercase-hex SHA-256 checksum of data as-is.
// Callers that already hold canonical bytes (blob read-back verification)
// use this to avoid a second encode.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the canonical checksum of v equals want.
// An encoding failure counts as a verification failure.
func Verify(v any, want string) bool {
	got, err := Checksum(v)
	if err != nil {
		return false
	}
	return got == want
}
