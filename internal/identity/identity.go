// Package identity implements the signature / pre-shared-key / external
// identity union, plus the static Diffie-Hellman key agreement used by
// subscription and keyload content. Signing uses the standard library's
// constant-time crypto/ed25519 implementation; key agreement uses
// golang.org/x/crypto/curve25519.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentifierTag distinguishes the three Identifier variants on the wire.
type IdentifierTag byte

const (
	TagSignature IdentifierTag = 0
	TagPSK       IdentifierTag = 1
	TagExternal  IdentifierTag = 2
)

// PSKIDSize is the fixed length in bytes of a pre-shared-key identifier.
const PSKIDSize = 16

// PSKSize is the fixed length in bytes of a pre-shared symmetric key.
const PSKSize = 32

// Identifier is the public-side tagged union over a signature public key,
// a pre-shared-key id, or an external identifier.
type Identifier interface {
	Tag() IdentifierTag
	Bytes() []byte
	// ExchangeKey returns the identifier's static X25519 public key, if it
	// has one (PSK and external identifiers do not).
	ExchangeKey() ([]byte, bool)
	Equal(other Identifier) bool
}

// Identity is the secret-side tagged union: a signature keypair, a
// pre-shared-key, or an external identity.
type Identity interface {
	Sign(hash []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	ToIdentifier() Identifier
}

// --- Signature identity -----------------------------------------------

// SignatureIdentifier is a long-term Ed25519 verifying key plus its derived
// static X25519 public key.
type SignatureIdentifier struct {
	VerifyKey  ed25519.PublicKey
	ExchangePK [32]byte
}

func (i *SignatureIdentifier) Tag() IdentifierTag { return TagSignature }
func (i *SignatureIdentifier) Bytes() []byte       { return append([]byte(nil), i.VerifyKey...) }
func (i *SignatureIdentifier) ExchangeKey() ([]byte, bool) {
	return append([]byte(nil), i.ExchangePK[:]...), true
}
func (i *SignatureIdentifier) Equal(other Identifier) bool {
	o, ok := other.(*SignatureIdentifier)
	return ok && string(i.VerifyKey) == string(o.VerifyKey)
}

// SignatureIdentity holds the secret Ed25519 signing key and the secret
// X25519 scalar used for static Diffie-Hellman.
type SignatureIdentity struct {
	SignKey    ed25519.PrivateKey
	ExchangeSK [32]byte
	exchangePK [32]byte
}

// NewSignatureIdentity derives a deterministic identity from seed bytes
// (used by tests to reproduce fixed author/subscriber identities) or, when
// seed is nil, generates a fresh random identity.
func NewSignatureIdentity(seed []byte) (*SignatureIdentity, error) {
	var signPriv ed25519.PrivateKey
	if seed != nil {
		h := expandSeed(seed, ed25519.SeedSize)
		signPriv = ed25519.NewKeyFromSeed(h)
	} else {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate ed25519 key: %w", err)
		}
		signPriv = priv
	}

	var exchangeSK [32]byte
	if seed != nil {
		copy(exchangeSK[:], expandSeed(seed, 32+len("x25519")))
	} else {
		if _, err := rand.Read(exchangeSK[:]); err != nil {
			return nil, fmt.Errorf("identity: generate x25519 scalar: %w", err)
		}
	}
	clampScalar(&exchangeSK)

	var exchangePK [32]byte
	pk, err := curve25519.X25519(exchangeSK[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}
	copy(exchangePK[:], pk)

	return &SignatureIdentity{SignKey: signPriv, ExchangeSK: exchangeSK, exchangePK: exchangePK}, nil
}

// NewSignatureIdentityFromKeys reconstructs a SignatureIdentity from its raw
// secret material, deriving the cached static X25519 public key. Used by
// internal/backup to restore an identity from a backup blob.
func NewSignatureIdentityFromKeys(signKey ed25519.PrivateKey, exchangeSK [32]byte) (*SignatureIdentity, error) {
	pk, err := curve25519.X25519(exchangeSK[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}
	var exchangePK [32]byte
	copy(exchangePK[:], pk)
	return &SignatureIdentity{SignKey: signKey, ExchangeSK: exchangeSK, exchangePK: exchangePK}, nil
}

func (id *SignatureIdentity) Sign(hash []byte) ([]byte, error) {
	if id == nil || len(id.SignKey) == 0 {
		return nil, errors.New("identity: no signing key")
	}
	return ed25519.Sign(id.SignKey, hash), nil
}

// Decrypt is unsupported for signature identities: confidentiality for
// these flows is achieved through the sponge's duplex encryption keyed by
// an X25519 shared secret (see content.Keyload), not by asymmetric
// decryption of arbitrary ciphertext.
func (id *SignatureIdentity) Decrypt(ciphertext []byte) ([]byte, error) {
	return nil, errors.New("identity: signature identity does not support direct decrypt")
}

func (id *SignatureIdentity) ToIdentifier() Identifier {
	pub := id.SignKey.Public().(ed25519.PublicKey)
	return &SignatureIdentifier{VerifyKey: pub, ExchangePK: id.exchangePK}
}

// SharedSecret computes the static-static or static-ephemeral X25519
// shared secret with a peer's exchange public key.
func (id *SignatureIdentity) SharedSecret(peerExchangePK [32]byte) ([]byte, error) {
	return curve25519.X25519(id.ExchangeSK[:], peerExchangePK[:])
}

// GenerateEphemeralX25519 creates a fresh random X25519 scalar/point pair,
// used by Subscription and Keyload for static-ephemeral Diffie-Hellman.
func GenerateEphemeralX25519() (scalar [32]byte, public [32]byte, err error) {
	if _, err = rand.Read(scalar[:]); err != nil {
		return scalar, public, fmt.Errorf("identity: generate ephemeral x25519 scalar: %w", err)
	}
	clampScalar(&scalar)
	pk, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return scalar, public, fmt.Errorf("identity: derive ephemeral x25519 public key: %w", err)
	}
	copy(public[:], pk)
	return scalar, public, nil
}

// X25519 computes the shared secret between a local scalar and a peer's
// public point.
func X25519(scalar [32]byte, peerPublic [32]byte) ([]byte, error) {
	return curve25519.X25519(scalar[:], peerPublic[:])
}

// DerivePublic returns the X25519 public point for scalar.
func DerivePublic(scalar [32]byte) ([32]byte, error) {
	var out [32]byte
	pk, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}
	copy(out[:], pk)
	return out, nil
}

func clampScalar(sk *[32]byte) {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

// expandSeed stretches an arbitrary-length seed to n bytes by folding the
// seed through a counter-suffixed deterministic expansion.
func expandSeed(seed []byte, n int) []byte {
	out := make([]byte, 0, n)
	counter := byte(0)
	for len(out) < n {
		block := append(append([]byte(nil), seed...), counter)
		sum := fnvLikeHash(block)
		out = append(out, sum...)
		counter++
	}
	return out[:n]
}

// fnvLikeHash is a small deterministic expansion function used only to turn
// short human-readable test seeds into full-length key material; it is not
// used anywhere security-sensitive in production flows, which always seed
// from crypto/rand.
func fnvLikeHash(data []byte) []byte {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	var h1, h2 uint64 = offset, offset ^ prime
	for _, b := range data {
		h1 = (h1 ^ uint64(b)) * prime
		h2 = (h2 ^ uint64(b) ^ 0xa5) * prime
	}
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i] = byte(h1 >> (8 * i))
		out[8+i] = byte(h2 >> (8 * i))
	}
	return out
}

// --- Pre-shared-key identity --------------------------------------------

// PSKIdentifier identifies a pre-shared key by its 16-byte id.
type PSKIdentifier struct {
	ID [PSKIDSize]byte
}

func (i *PSKIdentifier) Tag() IdentifierTag        { return TagPSK }
func (i *PSKIdentifier) Bytes() []byte             { return append([]byte(nil), i.ID[:]...) }
func (i *PSKIdentifier) ExchangeKey() ([]byte, bool) { return nil, false }
func (i *PSKIdentifier) Equal(other Identifier) bool {
	o, ok := other.(*PSKIdentifier)
	return ok && i.ID == o.ID
}

// PSKIdentity holds the secret pre-shared key material.
type PSKIdentity struct {
	ID  [PSKIDSize]byte
	Key [PSKSize]byte
}

// NewPSKIdentity derives a PskId/key pair deterministically from a human
// readable label, so tests can construct stable PSKs without touching
// crypto/rand.
func NewPSKIdentity(label string) *PSKIdentity {
	idBytes := expandSeed([]byte("pskid:"+label), PSKIDSize)
	keyBytes := expandSeed([]byte("pskkey:"+label), PSKSize)
	p := &PSKIdentity{}
	copy(p.ID[:], idBytes)
	copy(p.Key[:], keyBytes)
	return p
}

func (p *PSKIdentity) Sign(hash []byte) ([]byte, error) {
	return nil, errors.New("identity: psk identity cannot sign")
}

func (p *PSKIdentity) Decrypt(ciphertext []byte) ([]byte, error) {
	return nil, errors.New("identity: psk identity does not support direct decrypt")
}

func (p *PSKIdentity) ToIdentifier() Identifier {
	return &PSKIdentifier{ID: p.ID}
}

// --- External identity ---------------------------------------------------

// ExternalIdentifier wraps an opaque externally-managed identifier (for
// example a decentralized identifier). Resolution happens outside this
// module; the bytes still round-trip through the wire format.
type ExternalIdentifier struct {
	Opaque []byte
}

func (i *ExternalIdentifier) Tag() IdentifierTag        { return TagExternal }
func (i *ExternalIdentifier) Bytes() []byte             { return append([]byte(nil), i.Opaque...) }
func (i *ExternalIdentifier) ExchangeKey() ([]byte, bool) { return nil, false }
func (i *ExternalIdentifier) Equal(other Identifier) bool {
	o, ok := other.(*ExternalIdentifier)
	return ok && string(i.Opaque) == string(o.Opaque)
}

// ExternalIdentity is the secret-side counterpart; sign/decrypt delegate
// to an external system out of scope for this module.
type ExternalIdentity struct {
	Opaque []byte
}

func (e *ExternalIdentity) Sign(hash []byte) ([]byte, error) {
	return nil, errors.New("identity: external identity signing is out of scope")
}

func (e *ExternalIdentity) Decrypt(ciphertext []byte) ([]byte, error) {
	return nil, errors.New("identity: external identity decryption is out of scope")
}

func (e *ExternalIdentity) ToIdentifier() Identifier {
	return &ExternalIdentifier{Opaque: e.Opaque}
}
