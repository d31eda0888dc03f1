// Package ddml implements the stream-oriented command codec ("DDML") that
// mirrors sponge state transitions onto a byte stream. Three
// roles share one Context interface: SizeOf (no I/O, exact byte counting),
// Wrap (writes to a buffer, mutates a sponge), and Unwrap (reads from a
// buffer, mutates a sponge). Content types (internal/content) run their
// Encode under SizeOf and Wrap, and their Decode under Unwrap.
package ddml

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"weave/channel/internal/identity"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/sponge"
)

// Role distinguishes the three codec contexts.
type Role int

const (
	RoleSizeOf Role = iota
	RoleWrap
	RoleUnwrap
)

// Context is the capability-set every content type is written against.
type Context interface {
	Role() Role

	// AbsorbUint8 absorbs a single cleartext byte.
	AbsorbUint8(v *uint8) error
	// AbsorbFixedUint64 absorbs a cleartext 8-byte big-endian integer
	// (used for header sequence numbers and keyload cursor-at-issue).
	AbsorbFixedUint64(v *uint64) error
	// AbsorbBytes absorbs a Size-length-prefixed variable length field.
	AbsorbBytes(v *[]byte) error
	// AbsorbNBytes absorbs a fixed-width field; v's length is the width
	// and, for Unwrap, must already equal the expected size.
	AbsorbNBytes(v []byte) error
	// AbsorbExternalNBytes absorbs v into the sponge only: never read from
	// or written to the stream. Used to bind locally-derived secrets (a
	// DH shared secret, a PSK) into the transcript without transmitting
	// them.
	AbsorbExternalNBytes(v []byte) error

	// MaskBytes absorbs a cleartext Size prefix then masks (duplex
	// encrypts/decrypts) the payload in place.
	MaskBytes(v *[]byte) error
	// MaskNBytes masks a fixed-width field in place.
	MaskNBytes(v []byte) error

	// SkipNBytes copies a fixed-width field to/from the stream without any
	// sponge update.
	SkipNBytes(v []byte) error

	// SqueezeMAC writes (Wrap) or reads-and-verifies (Unwrap) the
	// terminating 32-byte frame MAC.
	SqueezeMAC() error
	// Commit forces a sponge permutation boundary.
	Commit()
	// Join absorbs linked's squeezed bytes into this context's sponge.
	Join(linked *sponge.Sponge)
	// Fork returns a child context sharing this context's stream position
	// but an independently forked sponge.
	Fork() Context

	// Sign absorbs id's verifying key and signs (Wrap) or verifies
	// (Unwrap) a signature over the committed squeezed transcript hash.
	Sign(id identity.Identity) error
	Verify(pub identity.Identifier) error

	// Guard fails Unwrap with err when cond is false; harmless no-op
	// otherwise (and always a no-op for Wrap/SizeOf, since the writer
	// always encodes consistent data).
	Guard(cond bool, err error) error

	// X25519 implements the key-exchange command:
	// it writes/reads a 32-byte Diffie-Hellman public point on the stream
	// and folds the resulting shared secret into the sponge as external
	// (untransmitted) state, ready for a following MaskBytes/MaskNBytes to
	// encrypt a session key under it.
	//
	// On Wrap, localScalar is the ephemeral scalar the caller generated for
	// this exchange and *peerPublic is the recipient's already-known static
	// public key; X25519 derives and writes localScalar's own public
	// counterpart (so the peer can reconstruct the secret), computes the
	// shared secret against *peerPublic, and absorbs it externally.
	//
	// On Unwrap, localScalar is the local static secret scalar; X25519
	// reads the peer's transmitted public point into *peerPublic, computes
	// the shared secret against it, and absorbs it externally.
	X25519(localScalar [32]byte, peerPublic *[32]byte) error
}

const signatureHashSize = 64

// --- SizeOf --------------------------------------------------------------

// SizeOf accumulates the exact number of bytes Wrap will emit, without
// performing any I/O or sponge work. The counter is held behind a pointer
// so Fork can share it: in Wrap, a forked context still writes into the
// same underlying buffer (only the sponge is cloned), so a SizeOf fork
// must likewise contribute its bytes to the same running total rather than
// counting into an isolated, discarded accumulator.
type SizeOf struct {
	n *int
}

// NewSizeOf returns a fresh SizeOf context.
func NewSizeOf() *SizeOf {
	n := 0
	return &SizeOf{n: &n}
}

// Size returns the accumulated byte count.
func (s *SizeOf) Size() int { return *s.n }

func (s *SizeOf) Role() Role { return RoleSizeOf }

func (s *SizeOf) AbsorbUint8(v *uint8) error { *s.n++; return nil }

func (s *SizeOf) AbsorbFixedUint64(v *uint64) error { *s.n += 8; return nil }

func (s *SizeOf) AbsorbBytes(v *[]byte) error {
	*s.n += sizeEncodedLen(uint64(len(*v))) + len(*v)
	return nil
}

func (s *SizeOf) AbsorbNBytes(v []byte) error { *s.n += len(v); return nil }

func (s *SizeOf) AbsorbExternalNBytes(v []byte) error { return nil }

func (s *SizeOf) MaskBytes(v *[]byte) error {
	*s.n += sizeEncodedLen(uint64(len(*v))) + len(*v)
	return nil
}

func (s *SizeOf) MaskNBytes(v []byte) error { *s.n += len(v); return nil }

func (s *SizeOf) SkipNBytes(v []byte) error { *s.n += len(v); return nil }

func (s *SizeOf) SqueezeMAC() error { *s.n += sponge.MacSize; return nil }

func (s *SizeOf) Commit() {}

func (s *SizeOf) Join(linked *sponge.Sponge) {}

func (s *SizeOf) Fork() Context { return &SizeOf{n: s.n} }

func (s *SizeOf) Sign(id identity.Identity) error {
	pub := id.ToIdentifier()
	*s.n += len(pub.Bytes()) + ed25519.SignatureSize
	return nil
}

func (s *SizeOf) Verify(pub identity.Identifier) error {
	*s.n += len(pub.Bytes()) + ed25519.SignatureSize
	return nil
}

func (s *SizeOf) Guard(cond bool, err error) error { return nil }

func (s *SizeOf) X25519(localScalar [32]byte, peerPublic *[32]byte) error {
	*s.n += 32
	return nil
}

// sizeEncodedLen returns the wire length of the Size varint encoding value.
func sizeEncodedLen(value uint64) int {
	return 1 + sizeByteWidth(value)
}

func sizeByteWidth(value uint64) int {
	n := 0
	for value > 0 {
		n++
		value >>= 8
	}
	return n
}

// --- Wrap ------------------------------------------------------------------

// Wrap writes content to an output stream while mutating a sponge.
type Wrap struct {
	buf *bytes.Buffer
	spg *sponge.Sponge
}

// NewWrap constructs a Wrap context over buf, driven by spg.
func NewWrap(buf *bytes.Buffer, spg *sponge.Sponge) *Wrap {
	return &Wrap{buf: buf, spg: spg}
}

// Sponge exposes the underlying sponge (envelope needs this to Commit /
// SqueezeMAC the frame terminator after delegating to content Encode).
func (w *Wrap) Sponge() *sponge.Sponge { return w.spg }

func (w *Wrap) Role() Role { return RoleWrap }

func (w *Wrap) AbsorbUint8(v *uint8) error {
	w.buf.WriteByte(*v)
	w.spg.Absorb([]byte{*v})
	return nil
}

func (w *Wrap) AbsorbFixedUint64(v *uint64) error {
	b := encodeUint64(*v)
	w.buf.Write(b)
	w.spg.Absorb(b)
	return nil
}

func (w *Wrap) AbsorbBytes(v *[]byte) error {
	sizeBytes := encodeSize(uint64(len(*v)))
	w.buf.Write(sizeBytes)
	w.spg.Absorb(sizeBytes)
	w.buf.Write(*v)
	w.spg.Absorb(*v)
	return nil
}

func (w *Wrap) AbsorbNBytes(v []byte) error {
	w.buf.Write(v)
	w.spg.Absorb(v)
	return nil
}

func (w *Wrap) AbsorbExternalNBytes(v []byte) error {
	w.spg.Absorb(v)
	return nil
}

func (w *Wrap) MaskBytes(v *[]byte) error {
	sizeBytes := encodeSize(uint64(len(*v)))
	w.buf.Write(sizeBytes)
	w.spg.Absorb(sizeBytes)
	cipher := w.spg.Encrypt(*v)
	w.buf.Write(cipher)
	return nil
}

func (w *Wrap) MaskNBytes(v []byte) error {
	cipher := w.spg.Encrypt(v)
	w.buf.Write(cipher)
	return nil
}

func (w *Wrap) SkipNBytes(v []byte) error {
	w.buf.Write(v)
	return nil
}

func (w *Wrap) SqueezeMAC() error {
	mac := w.spg.Squeeze(sponge.MacSize)
	w.buf.Write(mac)
	return nil
}

func (w *Wrap) Commit() { w.spg.Commit() }

func (w *Wrap) Join(linked *sponge.Sponge) { w.spg.Join(linked) }

func (w *Wrap) Fork() Context {
	return &Wrap{buf: w.buf, spg: w.spg.Fork()}
}

func (w *Wrap) Sign(id identity.Identity) error {
	pub := id.ToIdentifier().Bytes()
	if err := w.AbsorbNBytes(pub); err != nil {
		return err
	}
	w.Commit()
	hash := w.spg.Squeeze(signatureHashSize)
	sig, err := id.Sign(hash)
	if err != nil {
		return fmt.Errorf("ddml: sign: %w", err)
	}
	w.buf.Write(sig)
	return nil
}

func (w *Wrap) Verify(pub identity.Identifier) error {
	return errors.New("ddml: Verify is not valid on a Wrap context")
}

func (w *Wrap) Guard(cond bool, err error) error { return nil }

func (w *Wrap) X25519(localScalar [32]byte, peerPublic *[32]byte) error {
	localPublic, err := identity.DerivePublic(localScalar)
	if err != nil {
		return fmt.Errorf("ddml: x25519: %w", err)
	}
	if err := w.AbsorbNBytes(localPublic[:]); err != nil {
		return err
	}
	shared, err := identity.X25519(localScalar, *peerPublic)
	if err != nil {
		return fmt.Errorf("ddml: x25519: %w", err)
	}
	return w.AbsorbExternalNBytes(shared)
}

// --- Unwrap ------------------------------------------------------------------

// Unwrap reads content from an input stream while mutating a sponge.
type Unwrap struct {
	r   *bytes.Reader
	spg *sponge.Sponge
}

// NewUnwrap constructs an Unwrap context over r, driven by spg.
func NewUnwrap(r *bytes.Reader, spg *sponge.Sponge) *Unwrap {
	return &Unwrap{r: r, spg: spg}
}

// Sponge exposes the underlying sponge.
func (u *Unwrap) Sponge() *sponge.Sponge { return u.spg }

func (u *Unwrap) Role() Role { return RoleUnwrap }

func (u *Unwrap) AbsorbUint8(v *uint8) error {
	b, err := u.readN(1)
	if err != nil {
		return err
	}
	u.spg.Absorb(b)
	*v = b[0]
	return nil
}

func (u *Unwrap) AbsorbFixedUint64(v *uint64) error {
	b, err := u.readN(8)
	if err != nil {
		return err
	}
	u.spg.Absorb(b)
	*v = decodeUint64(b)
	return nil
}

func (u *Unwrap) AbsorbBytes(v *[]byte) error {
	sizeBytes, n, err := u.readSize()
	if err != nil {
		return err
	}
	u.spg.Absorb(sizeBytes)
	payload, err := u.readN(int(n))
	if err != nil {
		return err
	}
	u.spg.Absorb(payload)
	*v = payload
	return nil
}

func (u *Unwrap) AbsorbNBytes(v []byte) error {
	b, err := u.readN(len(v))
	if err != nil {
		return err
	}
	u.spg.Absorb(b)
	copy(v, b)
	return nil
}

func (u *Unwrap) AbsorbExternalNBytes(v []byte) error {
	u.spg.Absorb(v)
	return nil
}

func (u *Unwrap) MaskBytes(v *[]byte) error {
	sizeBytes, n, err := u.readSize()
	if err != nil {
		return err
	}
	u.spg.Absorb(sizeBytes)
	cipher, err := u.readN(int(n))
	if err != nil {
		return err
	}
	*v = u.spg.Decrypt(cipher)
	return nil
}

func (u *Unwrap) MaskNBytes(v []byte) error {
	cipher, err := u.readN(len(v))
	if err != nil {
		return err
	}
	plain := u.spg.Decrypt(cipher)
	copy(v, plain)
	return nil
}

func (u *Unwrap) SkipNBytes(v []byte) error {
	b, err := u.readN(len(v))
	if err != nil {
		return err
	}
	copy(v, b)
	return nil
}

func (u *Unwrap) SqueezeMAC() error {
	mac, err := u.readN(sponge.MacSize)
	if err != nil {
		return err
	}
	if !u.spg.SqueezeEQ(mac) {
		return errBadMac
	}
	return nil
}

func (u *Unwrap) Commit() { u.spg.Commit() }

func (u *Unwrap) Join(linked *sponge.Sponge) { u.spg.Join(linked) }

func (u *Unwrap) Fork() Context {
	return &Unwrap{r: u.r, spg: u.spg.Fork()}
}

func (u *Unwrap) Sign(id identity.Identity) error {
	return errors.New("ddml: Sign is not valid on an Unwrap context")
}

func (u *Unwrap) Verify(pub identity.Identifier) error {
	want := pub.Bytes()
	if len(want) != ed25519.PublicKeySize {
		return fmt.Errorf("ddml: verifying key must be %d bytes, got %d", ed25519.PublicKeySize, len(want))
	}
	got, err := u.readN(len(want))
	if err != nil {
		return err
	}
	u.spg.Absorb(got)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("ddml: verifying key mismatch")
	}
	u.Commit()
	hash := u.spg.Squeeze(signatureHashSize)
	sig, err := u.readN(ed25519.SignatureSize)
	if err != nil {
		return err
	}
	edPub := ed25519.PublicKey(want)
	if !ed25519.Verify(edPub, hash, sig) {
		return fmt.Errorf("ddml: %w", ErrSignatureInvalid)
	}
	return nil
}

func (u *Unwrap) Guard(cond bool, err error) error {
	if !cond {
		return err
	}
	return nil
}

func (u *Unwrap) X25519(localScalar [32]byte, peerPublic *[32]byte) error {
	var received [32]byte
	if err := u.AbsorbNBytes(received[:]); err != nil {
		return err
	}
	*peerPublic = received
	shared, err := identity.X25519(localScalar, received)
	if err != nil {
		return fmt.Errorf("ddml: x25519: %w", err)
	}
	return u.AbsorbExternalNBytes(shared)
}

var errBadMac = fmt.Errorf("ddml: %w", protoerr.ErrBadMac)

// ErrBadMac is the sentinel returned by SqueezeMAC on the unwrap side when
// the transcript diverged; it unwraps to protoerr.ErrBadMac.
var ErrBadMac = errBadMac

// ErrSignatureInvalid is the sentinel returned by Verify when the signature
// does not match the committed transcript hash. A diverged sponge (e.g. a
// receiver that never recovered the branch session key) surfaces here.
var ErrSignatureInvalid = errors.New("signature does not match committed transcript")

func (u *Unwrap) readN(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(u.r, b); err != nil {
		return nil, fmt.Errorf("ddml: read %d bytes: %w", n, err)
	}
	return b, nil
}

func (u *Unwrap) readSize() ([]byte, uint64, error) {
	nBuf, err := u.readN(1)
	if err != nil {
		return nil, 0, err
	}
	width := int(nBuf[0])
	if width > 8 {
		return nil, 0, fmt.Errorf("ddml: invalid size width %d", width)
	}
	valBytes, err := u.readN(width)
	if err != nil {
		return nil, 0, err
	}
	return append(nBuf, valBytes...), decodeUint64(pad8(valBytes)), nil
}

// --- Size / uint64 helpers --------------------------------------------------

// encodeSize encodes value as a Size: one byte n (0..=8) followed by the n
// minimal big-endian bytes of value.
func encodeSize(value uint64) []byte {
	width := sizeByteWidth(value)
	out := make([]byte, 1+width)
	out[0] = byte(width)
	b := encodeUint64(value)
	copy(out[1:], b[8-width:])
	return out
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func pad8(b []byte) []byte {
	if len(b) >= 8 {
		return b[len(b)-8:]
	}
	out := make([]byte, 8)
	copy(out[8-len(b):], b)
	return out
}
