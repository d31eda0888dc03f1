// Package sponge implements the duplex keyed-permutation primitive that
// backs the channel protocol's integrity and confidentiality guarantees.
// The permutation is a pluggable parameter of the construction; this
// package drives golang.org/x/crypto/sha3's Keccak-f based Sum256 rather
// than hand-rolling a mixing function.
package sponge

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	// Rate is the number of bytes of sponge state exposed to absorb/squeeze
	// in each permutation cycle.
	Rate = 44
	// Capacity is the number of bytes of sponge state never directly
	// exposed to the stream, providing the primitive's security margin.
	Capacity = 20
	// width is the total state size driven through the permutation.
	width = Rate + Capacity

	// MacSize is the length in bytes of a terminating frame MAC.
	MacSize = 32
)

// Sponge is a duplex construction: a fixed-size state array plus a cursor
// into the rate portion. Absorb/squeeze/encrypt/decrypt advance the cursor
// and transparently permute on rate-full boundaries. Fork produces an
// independent value copy; the protocol relies on this to derive per-message
// and per-recipient subchannels without aliasing.
type Sponge struct {
	state [width]byte
	pos   int
}

// New returns a zero-initialized sponge.
func New() *Sponge {
	return &Sponge{}
}

// Fork returns an independent value-copy clone of s.
func (s *Sponge) Fork() *Sponge {
	clone := *s
	return &clone
}

// permute diffuses the full state through the permutation primitive and
// resets the rate cursor to a fresh block boundary.
func (s *Sponge) permute() {
	digest := sha3.Sum256(s.state[:])
	// Fold the 32-byte digest across the whole state so both rate and
	// capacity bytes depend on every prior absorb/squeeze, then mix in a
	// second pass keyed by the digest itself so width > 32 is fully covered.
	var mixed [width]byte
	for i := range mixed {
		mixed[i] = s.state[i] ^ digest[i%len(digest)]
	}
	second := sha3.Sum256(mixed[:])
	for i := range s.state {
		s.state[i] = mixed[i] ^ second[i%len(second)]
	}
	s.pos = 0
}

// Commit forces a permutation boundary so subsequent absorb/squeeze begin
// on a fresh rate block.
func (s *Sponge) Commit() {
	s.permute()
}

// Absorb XORs bytes into the rate, permuting whenever the rate fills.
func (s *Sponge) Absorb(data []byte) {
	for len(data) > 0 {
		n := Rate - s.pos
		if n > len(data) {
			n = len(data)
		}
		for i := 0; i < n; i++ {
			s.state[s.pos+i] ^= data[i]
		}
		s.pos += n
		data = data[n:]
		if s.pos == Rate {
			s.permute()
		}
	}
}

// Squeeze extracts n bytes from the rate, permuting as needed.
func (s *Sponge) Squeeze(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		if s.pos == Rate {
			s.permute()
		}
		out[i] = s.state[s.pos]
		s.pos++
	}
	return out
}

// SqueezeEQ squeezes len(expected) bytes and compares them against expected
// in constant time, implementing the MAC check used to terminate a frame.
func (s *Sponge) SqueezeEQ(expected []byte) bool {
	got := s.Squeeze(len(expected))
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// Encrypt duplex-encrypts plain: it squeezes a keystream byte for every
// plaintext byte, XORs it in to produce ciphertext, and absorbs the
// ciphertext back into the rate so encryption and decryption walk the
// sponge through identical state transitions.
func (s *Sponge) Encrypt(plain []byte) []byte {
	cipher := make([]byte, len(plain))
	for i, b := range plain {
		if s.pos == Rate {
			s.permute()
		}
		ks := s.state[s.pos]
		c := b ^ ks
		cipher[i] = c
		s.state[s.pos] = c
		s.pos++
	}
	return cipher
}

// ExportState serializes the sponge's full internal state (the width-byte
// array plus the rate cursor) so a spongos-store entry can be carried
// through a backup blob and restored bitwise-identical.
func (s *Sponge) ExportState() []byte {
	out := make([]byte, width+1)
	copy(out, s.state[:])
	out[width] = byte(s.pos)
	return out
}

// ImportState is ExportState's dual, reconstructing a Sponge from a
// previously exported state blob.
func ImportState(raw []byte) (*Sponge, error) {
	if len(raw) != width+1 {
		return nil, fmt.Errorf("sponge: invalid exported state length %d", len(raw))
	}
	s := &Sponge{}
	copy(s.state[:], raw[:width])
	s.pos = int(raw[width])
	return s, nil
}

// Join absorbs other's squeezed bytes into s, implementing the join(&mut
// other) command: it forces s to depend on other's accumulated transcript
// without aliasing other's state. Callers pass a Fork of the sponge they
// want to join so the squeeze performed here never mutates the original.
func (s *Sponge) Join(other *Sponge) {
	s.Absorb(other.Squeeze(32))
}

// Decrypt is the dual of Encrypt: it recovers plaintext from ciphertext and
// absorbs the same ciphertext bytes, keeping both sides' sponge states in
// lockstep.
func (s *Sponge) Decrypt(cipher []byte) []byte {
	plain := make([]byte, len(cipher))
	for i, c := range cipher {
		if s.pos == Rate {
			s.permute()
		}
		ks := s.state[s.pos]
		plain[i] = c ^ ks
		s.state[s.pos] = c
		s.pos++
	}
	return plain
}
