package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

const (
	// IDLength is the size of an identifier in bytes.
	IDLength = 20
	// IDBits is the identifier width in bits.
	IDBits = IDLength * 8
)

// ErrMalformedIdentifier is returned when an encoded identifier has the
// wrong length or encoding.
var ErrMalformedIdentifier = errors.New("malformed identifier")

// ID is a 160-bit node identifier. It is a value type: copies are
// independent and the zero value is the all-zero identifier.
type ID [IDLength]byte

// IDFromBytes copies a 20-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedIdentifier, len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// ParseID decodes a hex encoded identifier.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	return IDFromBytes(b)
}

// ParseBase64ID decodes a URL-safe base64 identifier.
func ParseBase64ID(s string) (ID, error) {
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	return IDFromBytes(b)
}

// RandomID returns an identifier drawn from crypto/rand.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate identifier: %w", err)
	}
	return id, nil
}

// HashID maps arbitrary data onto the identifier space with a 160-bit
// BLAKE2b digest, so payloads can be routed toward a key.
func HashID(data []byte) ID {
	h, err := blake2b.New(IDLength, nil)
	if err != nil {
		// Only fails for sizes outside 1..64.
		panic(err)
	}
	h.Write(data)

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// String returns the upper-case hex form of the identifier.
func (id ID) String() string {
	return fmt.Sprintf("%X", id[:])
}

// Short returns the first five hex characters, for log lines.
func (id ID) Short() string {
	return id.String()[:5]
}

// Base64 returns the URL-safe base64 form of the identifier.
func (id ID) Base64() string {
	return base64.URLEncoding.EncodeToString(id[:])
}

// Compare orders identifiers by unsigned lexicographic byte comparison.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Distance returns the XOR of two identifiers.
func Distance(a, b ID) ID {
	var d ID
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports whether a (-1) or b (1) is closer to ref under the
// XOR metric, or 0 when they are equidistant.
func CompareDistance(a, b, ref ID) int {
	for i := 0; i < IDLength; i++ {
		da := a[i] ^ ref[i]
		db := b[i] ^ ref[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// SharedPrefixBits returns the number of leading bits a and b have in
// common, IDBits when they are identical.
func SharedPrefixBits(a, b ID) int {
	for i := 0; i < IDLength; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}
