// Package address implements channel base address and per-message relative
// id derivation, plus the printable and transport-index encodings.
package address

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// BaseSize is the fixed length in bytes of a channel base address.
	BaseSize = 40
	// RelativeSize is the fixed length in bytes of a per-message relative id.
	RelativeSize = 12
)

// Address identifies a message's location on the transport: a 40-byte
// channel base plus a 12-byte relative id.
type Address struct {
	Base     [BaseSize]byte
	Relative [RelativeSize]byte
}

// Base derives a channel's base address from the author identifier and the
// root topic: H(author_identifier ‖ root_topic) truncated to 40 bytes.
func Base(authorIdentifier []byte, rootTopic []byte) [BaseSize]byte {
	digest := hashConcat(BaseSize, authorIdentifier, rootTopic)
	var out [BaseSize]byte
	copy(out[:], digest)
	return out
}

// Relative derives a message's relative id:
// H(base ‖ publisher ‖ topic ‖ cursor) truncated to 12 bytes.
func Relative(base [BaseSize]byte, publisher []byte, topic []byte, cursor uint64) [RelativeSize]byte {
	var cursorBytes [8]byte
	binary.BigEndian.PutUint64(cursorBytes[:], cursor)
	digest := hashConcat(RelativeSize, base[:], publisher, topic, cursorBytes[:])
	var out [RelativeSize]byte
	copy(out[:], digest)
	return out
}

// New builds a full Address from a base and the relative-id derivation
// inputs; this is the convenience receivers use to predict the next
// address to poll.
func New(base [BaseSize]byte, publisher []byte, topic []byte, cursor uint64) Address {
	return Address{Base: base, Relative: Relative(base, publisher, topic, cursor)}
}

// hashConcat blake2b-hashes the concatenation of parts, expanding beyond a
// single 32-byte digest by re-hashing with a counter suffix when more
// entropy than one digest provides is required (BaseSize > 32).
func hashConcat(n int, parts ...[]byte) []byte {
	out := make([]byte, 0, n)
	counter := byte(0)
	for len(out) < n {
		h, _ := blake2b.New256(nil)
		for _, p := range parts {
			h.Write(p)
		}
		h.Write([]byte{counter})
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:n]
}

// String renders the address as lowercase hex: 40 bytes base, a single
// ':' separator, then 12 bytes relative.
func (a Address) String() string {
	return fmt.Sprintf("%s:%s", hex.EncodeToString(a.Base[:]), hex.EncodeToString(a.Relative[:]))
}

// Bytes returns the 52-byte wire encoding of the address (base ‖ relative).
func (a Address) Bytes() []byte {
	out := make([]byte, 0, BaseSize+RelativeSize)
	out = append(out, a.Base[:]...)
	out = append(out, a.Relative[:]...)
	return out
}

// TransportKey returns the Blake2b-256 index key a concrete ledger would
// file this address under: Blake2b-256(base ‖ relative).
func (a Address) TransportKey() [32]byte {
	return blake2b.Sum256(a.Bytes())
}

// Equal reports whether two addresses are identical.
func (a Address) Equal(other Address) bool {
	return a.Base == other.Base && a.Relative == other.Relative
}
