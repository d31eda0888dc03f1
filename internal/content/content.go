// Package content implements the seven message content types carried by
// the channel protocol: Announcement, BranchAnnouncement, Subscription,
// Unsubscription, Keyload, SignedPacket, TaggedPacket. Each type shares
// the common envelope; its Encode runs against a ddml.Context under the
// SizeOf and Wrap roles, and its Decode runs under the Unwrap role.
package content

import (
	"fmt"
	"time"

	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// HeaderType enumerates the message types carried in the cleartext header.
type HeaderType uint8

const (
	TypeAnnouncement       HeaderType = 0
	TypeBranchAnnouncement HeaderType = 1
	TypeKeyload            HeaderType = 2
	TypeSignedPacket       HeaderType = 3
	TypeTaggedPacket       HeaderType = 4
	TypeSubscription       HeaderType = 5
	TypeUnsubscription     HeaderType = 6
)

// String renders a human-readable message type name, primarily for logging.
func (t HeaderType) String() string {
	switch t {
	case TypeAnnouncement:
		return "announcement"
	case TypeBranchAnnouncement:
		return "branch_announcement"
	case TypeKeyload:
		return "keyload"
	case TypeSignedPacket:
		return "signed_packet"
	case TypeTaggedPacket:
		return "tagged_packet"
	case TypeSubscription:
		return "subscription"
	case TypeUnsubscription:
		return "unsubscription"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Topic identifies a branch within a channel.
type Topic string

// Bytes returns the UTF-8 wire representation of the topic.
func (t Topic) Bytes() []byte { return []byte(t) }

// PermissionKind distinguishes the three Permissioned<Identifier> variants.
type PermissionKind uint8

const (
	PermissionReadOnly  PermissionKind = 0
	PermissionReadWrite PermissionKind = 1
	PermissionAdmin     PermissionKind = 2
)

// Permission grants an identifier a role within a branch: only ReadWrite
// and Admin carry a cursor. Expiry is round-tripped faithfully but not yet
// consulted by any permission check.
type Permission struct {
	Kind   PermissionKind
	ID     identity.Identifier
	Expiry time.Time
}

// ReadOnly constructs a read-only permission.
func ReadOnly(id identity.Identifier) Permission {
	return Permission{Kind: PermissionReadOnly, ID: id}
}

// ReadWrite constructs a read-write permission with the given expiry
// (zero time means no expiry).
func ReadWrite(id identity.Identifier, expiry time.Time) Permission {
	return Permission{Kind: PermissionReadWrite, ID: id, Expiry: expiry}
}

// Admin constructs an administrative permission with the given expiry.
func Admin(id identity.Identifier, expiry time.Time) Permission {
	return Permission{Kind: PermissionAdmin, ID: id, Expiry: expiry}
}

// HasCursor reports whether this permission kind tracks a publish cursor.
func (p Permission) HasCursor() bool {
	return p.Kind == PermissionReadWrite || p.Kind == PermissionAdmin
}

// CanWrite reports whether this permission kind may publish data frames.
func (p Permission) CanWrite() bool {
	return p.Kind == PermissionReadWrite || p.Kind == PermissionAdmin
}

// IsAdmin reports whether this permission may issue keyloads / branches.
func (p Permission) IsAdmin() bool {
	return p.Kind == PermissionAdmin
}

// Content is the shared interface every content type implements. It only
// reports the header type; encoding and decoding are per-type methods.
type Content interface {
	Type() HeaderType
}

// encodeIdentifier and decodeIdentifier translate the tagged union
// used by identity.Identifier onto the wire: one cleartext byte tag
// followed by a Size-prefixed byte blob, the same shape regardless of
// variant so External identifiers of arbitrary length round-trip exactly
// like fixed-size Signature/PSK identifiers.
func encodeIdentifier(ctx ddml.Context, id identity.Identifier) error {
	tag := uint8(id.Tag())
	if err := ctx.AbsorbUint8(&tag); err != nil {
		return err
	}
	b := id.Bytes()
	return ctx.AbsorbBytes(&b)
}

func decodeIdentifier(ctx ddml.Context) (identity.Identifier, error) {
	var tag uint8
	if err := ctx.AbsorbUint8(&tag); err != nil {
		return nil, err
	}
	var b []byte
	if err := ctx.AbsorbBytes(&b); err != nil {
		return nil, err
	}
	return IdentifierFromWire(identity.IdentifierTag(tag), b)
}

// IdentifierFromWire decodes a tagged-union identifier given its tag byte
// and raw body; exported so internal/envelope can decode the header's
// publisher identifier with the same rules content bodies use.
func IdentifierFromWire(tag identity.IdentifierTag, b []byte) (identity.Identifier, error) {
	switch tag {
	case identity.TagSignature:
		if len(b) != 32 {
			return nil, fmt.Errorf("content: signature identifier must be 32 bytes, got %d", len(b))
		}
		// The identifier's own static exchange key is not carried on the
		// wire alongside every reference to it (only Announcement and
		// Subscription publish it); callers that need it look it up from
		// the exchange-key store by this identifier instead.
		return &identity.SignatureIdentifier{VerifyKey: append([]byte(nil), b...)}, nil
	case identity.TagPSK:
		if len(b) != identity.PSKIDSize {
			return nil, fmt.Errorf("content: psk identifier must be %d bytes, got %d", identity.PSKIDSize, len(b))
		}
		var id identity.PSKIdentifier
		copy(id.ID[:], b)
		return &id, nil
	case identity.TagExternal:
		return &identity.ExternalIdentifier{Opaque: append([]byte(nil), b...)}, nil
	default:
		return nil, fmt.Errorf("content: unknown identifier tag %d", tag)
	}
}

// encodeSizePrefixed/readSizePrefixed implement a minimal length-prefixed
// (2-byte big-endian) encoding for byte blobs nested inside an
// already-masked field, where the outer ddml.Context length-prefixing
// only covers the whole blob, not the fields packed within it.
func encodeSizePrefixed(b []byte) []byte {
	out := make([]byte, 2+len(b))
	putUint16(out[:2], uint16(len(b)))
	copy(out[2:], b)
	return out
}

func readSizePrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("content: size-prefixed field truncated")
	}
	n := int(getUint16(b[:2]))
	if len(b) < 2+n {
		return nil, nil, fmt.Errorf("content: size-prefixed field shorter than declared length")
	}
	return b[2 : 2+n], b[2+n:], nil
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func getUint16(b []byte) uint16    { return uint16(b[0])<<8 | uint16(b[1]) }

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// encodeIdentifierMasked mask-encrypts a tag+body identifier blob as one
// length-prefixed field, used by Unsubscription's "mask(subscriber_identifier)"
// where the whole identifier must stay confidential to anyone
// who cannot derive the chained sponge's keystream.
func encodeIdentifierMasked(ctx ddml.Context, id identity.Identifier) error {
	raw := append([]byte{byte(id.Tag())}, id.Bytes()...)
	return ctx.MaskBytes(&raw)
}

func decodeIdentifierMasked(ctx ddml.Context) (identity.Identifier, error) {
	var raw []byte
	if err := ctx.MaskBytes(&raw); err != nil {
		return nil, err
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("content: masked identifier too short")
	}
	return IdentifierFromWire(identity.IdentifierTag(raw[0]), raw[1:])
}

// encodePermission mask-encrypts the permission's kind tag, identifier, and
// expiry as one length-prefixed blob, used inside Keyload's per-recipient
// fork. Expiry round-trips faithfully but is never enforced.
func encodePermission(ctx ddml.Context, p Permission) error {
	var raw []byte
	raw = append(raw, byte(p.Kind))
	raw = append(raw, byte(p.ID.Tag()))
	idBytes := p.ID.Bytes()
	raw = append(raw, encodeSizePrefixed(idBytes)...)
	if p.Expiry.IsZero() {
		raw = append(raw, 0)
	} else {
		raw = append(raw, 1)
		var unix [8]byte
		putUint64(unix[:], uint64(p.Expiry.Unix()))
		raw = append(raw, unix[:]...)
	}
	return ctx.MaskBytes(&raw)
}

func decodePermission(ctx ddml.Context) (Permission, error) {
	var raw []byte
	if err := ctx.MaskBytes(&raw); err != nil {
		return Permission{}, err
	}
	if len(raw) < 2 {
		return Permission{}, fmt.Errorf("content: masked permission too short")
	}
	kind := PermissionKind(raw[0])
	tag := identity.IdentifierTag(raw[1])
	rest := raw[2:]
	idBytes, rest, err := readSizePrefixed(rest)
	if err != nil {
		return Permission{}, err
	}
	id, err := IdentifierFromWire(tag, idBytes)
	if err != nil {
		return Permission{}, err
	}
	if len(rest) < 1 {
		return Permission{}, fmt.Errorf("content: masked permission missing expiry flag")
	}
	p := Permission{Kind: kind, ID: id}
	hasExpiry := rest[0]
	rest = rest[1:]
	if hasExpiry == 1 {
		if len(rest) < 8 {
			return Permission{}, fmt.Errorf("content: masked permission truncated expiry")
		}
		unix := getUint64(rest[:8])
		p.Expiry = time.Unix(int64(unix), 0).UTC()
	}
	return p, nil
}
