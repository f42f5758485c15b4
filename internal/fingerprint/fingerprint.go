// Package fingerprint computes content digests used as blob storage keys.
package fingerprint

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"regexp"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes. Both supported algorithms produce 256-bit digests.
const Size = 32

// validHex matches a lowercase hex-encoded 256-bit digest (64 characters).
var validHex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrInvalid is returned when a string is not a well-formed fingerprint.
var ErrInvalid = errors.New("invalid fingerprint")

// Fingerprint is a 256-bit content digest.
type Fingerprint [Size]byte

// String returns the lowercase hex encoding.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Short returns the first 12 hex characters, for display.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	p, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = p
	return nil
}

// Value implements driver.Valuer, storing the hex form.
func (f Fingerprint) Value() (driver.Value, error) {
	return f.String(), nil
}

// Scan implements sql.Scanner.
func (f *Fingerprint) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return f.UnmarshalText([]byte(v))
	case []byte:
		return f.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalid, src)
	}
}

// Parse decodes a 64-character lowercase hex string.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	if !validHex.MatchString(s) {
		return f, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f, nil
}

// IsValid reports whether s is a well-formed fingerprint string.
func IsValid(s string) bool {
	return validHex.MatchString(s)
}

// Algorithm selects the digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm validates an algorithm name. Empty means SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm: %q", name)
	}
}

// Hasher computes a fingerprint incrementally. It holds only the digest
// state, so memory use is independent of the number of bytes written.
type Hasher struct {
	h hash.Hash
	n int64
}

// New returns a Hasher for the given algorithm. Unknown algorithms fall back to SHA256.
func New(alg Algorithm) *Hasher {
	var h hash.Hash
	switch alg {
	case BLAKE3:
		h = blake3.New()
	default:
		h = sha256.New()
	}
	return &Hasher{h: h}
}

// Write feeds a chunk into the digest. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Len returns the number of bytes hashed so far.
func (h *Hasher) Len() int64 {
	return h.n
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Fingerprint {
	var f Fingerprint
	copy(f[:], h.h.Sum(nil))
	return f
}

// Of hashes everything read from r.
func Of(alg Algorithm, r io.Reader) (Fingerprint, int64, error) {
	h := New(alg)
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, n, err
	}
	return h.Sum(), n, nil
}

// OfBytes hashes an in-memory buffer.
func OfBytes(alg Algorithm, data []byte) Fingerprint {
	h := New(alg)
	h.Write(data)
	return h.Sum()
}
