// Package backup implements password-protected serialization of a user's
// full state: a versioned header, deterministic field order, and the same
// DDML wrap/unwrap stack the wire format uses, since what is persisted is
// key material that must stay confidential under the backup password.
package backup

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
	"weave/channel/internal/sponge"
	"weave/channel/internal/state"
)

// FormatVersion is the leading cleartext byte of every backup blob.
const FormatVersion byte = 1

// deriveKey folds password into a 32-byte key via the sponge itself: a
// fresh sponge absorbs the password, commits, and squeezes 32 bytes. Using
// the sponge (rather than a KDF from another library) keeps backup keying
// inside the same primitive the rest of the protocol already depends on.
func deriveKey(password string) [32]byte {
	spg := sponge.New()
	spg.Absorb([]byte(password))
	spg.Commit()
	sum := spg.Squeeze(32)
	var out [32]byte
	copy(out[:], sum)
	return out
}

// Backup serializes st into a password-protected blob. The password-derived
// key is absorbed externally and bound with a leading commit+MAC, never
// emitted; every key-material field that follows is masked under the
// resulting keystream so the blob is confidential, not merely
// integrity-checked, to anyone without the password.
func Backup(st *state.State, password string) ([]byte, error) {
	key := deriveKey(password)

	sz := ddml.NewSizeOf()
	if err := writeBackup(sz, st, key); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, sz.Size()+1))
	buf.WriteByte(FormatVersion)
	spg := sponge.New()
	w := ddml.NewWrap(buf, spg)
	if err := writeBackup(w, st, key); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBackup(ctx ddml.Context, st *state.State, key [32]byte) error {
	if err := ctx.AbsorbExternalNBytes(key[:]); err != nil {
		return err
	}
	ctx.Commit()
	if err := ctx.SqueezeMAC(); err != nil {
		return err
	}

	if err := encodeIdentitySecret(ctx, st.Identity); err != nil {
		return err
	}

	hasStream := uint8(0)
	if st.HasStream {
		hasStream = 1
	}
	if err := ctx.AbsorbUint8(&hasStream); err != nil {
		return err
	}
	streamAddr := st.StreamAddress.Bytes()
	if err := ctx.AbsorbNBytes(streamAddr); err != nil {
		return err
	}

	if err := encodeIdentifier(ctx, st.AuthorIdentifier); err != nil {
		return err
	}

	baseTopic := st.BaseTopic.Bytes()
	if err := ctx.AbsorbBytes(&baseTopic); err != nil {
		return err
	}

	if err := encodeSpongosStore(ctx, st.Spongos); err != nil {
		return err
	}
	if err := encodeCursorStore(ctx, st.Cursors); err != nil {
		return err
	}
	if err := encodeExchangeKeyStore(ctx, st.ExchangeKeys); err != nil {
		return err
	}
	if err := encodePSKStore(ctx, st.PSKs); err != nil {
		return err
	}

	ctx.Commit()
	return ctx.SqueezeMAC()
}

// Restore is Backup's dual. A wrong password produces a bad-mac error at
// the leading binding check and fails fast without touching the rest of
// the buffer.
func Restore(data []byte, password string) (*state.State, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("backup: empty blob")
	}
	if data[0] != FormatVersion {
		return nil, fmt.Errorf("backup: unsupported format version %d", data[0])
	}
	key := deriveKey(password)

	r := bytes.NewReader(data[1:])
	spg := sponge.New()
	u := ddml.NewUnwrap(r, spg)

	if err := u.AbsorbExternalNBytes(key[:]); err != nil {
		return nil, err
	}
	u.Commit()
	if err := u.SqueezeMAC(); err != nil {
		return nil, fmt.Errorf("backup: wrong password: %w", err)
	}

	st := state.New()

	identity, err := decodeIdentitySecret(u)
	if err != nil {
		return nil, err
	}
	st.Identity = identity

	var hasStream uint8
	if err := u.AbsorbUint8(&hasStream); err != nil {
		return nil, err
	}
	st.HasStream = hasStream == 1
	streamAddrBytes := make([]byte, address.BaseSize+address.RelativeSize)
	if err := u.AbsorbNBytes(streamAddrBytes); err != nil {
		return nil, err
	}
	copy(st.StreamAddress.Base[:], streamAddrBytes[:address.BaseSize])
	copy(st.StreamAddress.Relative[:], streamAddrBytes[address.BaseSize:])

	authorID, err := decodeIdentifier(u)
	if err != nil {
		return nil, err
	}
	st.AuthorIdentifier = authorID

	var baseTopicBytes []byte
	if err := u.AbsorbBytes(&baseTopicBytes); err != nil {
		return nil, err
	}
	st.BaseTopic = content.Topic(baseTopicBytes)

	if err := decodeSpongosStore(u, st.Spongos); err != nil {
		return nil, err
	}
	if err := decodeCursorStore(u, st.Cursors); err != nil {
		return nil, err
	}
	if err := decodeExchangeKeyStore(u, st.ExchangeKeys); err != nil {
		return nil, err
	}
	if err := decodePSKStore(u, st.PSKs); err != nil {
		return nil, err
	}

	u.Commit()
	if err := u.SqueezeMAC(); err != nil {
		return nil, err
	}
	return st, nil
}

// --- identity (secret side) -------------------------------------------

func encodeIdentitySecret(ctx ddml.Context, id identity.Identity) error {
	switch v := id.(type) {
	case *identity.SignatureIdentity:
		tag := uint8(identity.TagSignature)
		if err := ctx.AbsorbUint8(&tag); err != nil {
			return err
		}
		seed := append([]byte(nil), v.SignKey...)
		if err := ctx.MaskBytes(&seed); err != nil {
			return err
		}
		sk := append([]byte(nil), v.ExchangeSK[:]...)
		return ctx.MaskNBytes(sk)
	case *identity.PSKIdentity:
		tag := uint8(identity.TagPSK)
		if err := ctx.AbsorbUint8(&tag); err != nil {
			return err
		}
		id16 := append([]byte(nil), v.ID[:]...)
		if err := ctx.MaskNBytes(id16); err != nil {
			return err
		}
		key32 := append([]byte(nil), v.Key[:]...)
		return ctx.MaskNBytes(key32)
	case *identity.ExternalIdentity:
		tag := uint8(identity.TagExternal)
		if err := ctx.AbsorbUint8(&tag); err != nil {
			return err
		}
		opaque := append([]byte(nil), v.Opaque...)
		return ctx.MaskBytes(&opaque)
	case nil:
		tag := uint8(0xFF)
		return ctx.AbsorbUint8(&tag)
	default:
		return fmt.Errorf("backup: unsupported identity type %T", id)
	}
}

func decodeIdentitySecret(ctx ddml.Context) (identity.Identity, error) {
	var tag uint8
	if err := ctx.AbsorbUint8(&tag); err != nil {
		return nil, err
	}
	switch tag {
	case uint8(identity.TagSignature):
		var seed []byte
		if err := ctx.MaskBytes(&seed); err != nil {
			return nil, err
		}
		var sk [32]byte
		if err := ctx.MaskNBytes(sk[:]); err != nil {
			return nil, err
		}
		return identity.NewSignatureIdentityFromKeys(ed25519.PrivateKey(seed), sk)
	case uint8(identity.TagPSK):
		var id16 [identity.PSKIDSize]byte
		if err := ctx.MaskNBytes(id16[:]); err != nil {
			return nil, err
		}
		var key32 [identity.PSKSize]byte
		if err := ctx.MaskNBytes(key32[:]); err != nil {
			return nil, err
		}
		return &identity.PSKIdentity{ID: id16, Key: key32}, nil
	case uint8(identity.TagExternal):
		var opaque []byte
		if err := ctx.MaskBytes(&opaque); err != nil {
			return nil, err
		}
		return &identity.ExternalIdentity{Opaque: opaque}, nil
	case 0xFF:
		return nil, nil
	default:
		return nil, fmt.Errorf("backup: unknown identity tag %d", tag)
	}
}

func encodeIdentifier(ctx ddml.Context, id identity.Identifier) error {
	// A user that has not yet bound a stream has no author identifier; the
	// 0xFF tag mirrors encodeIdentitySecret's absent-identity marker.
	if id == nil {
		tag := uint8(0xFF)
		return ctx.AbsorbUint8(&tag)
	}
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
	if tag == 0xFF {
		return nil, nil
	}
	var b []byte
	if err := ctx.AbsorbBytes(&b); err != nil {
		return nil, err
	}
	return content.IdentifierFromWire(identity.IdentifierTag(tag), b)
}

// --- spongos store ------------------------------------------------------

func encodeSpongosStore(ctx ddml.Context, st *state.SpongosStore) error {
	entries := st.Entries()
	count := uint64(len(entries))
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.AbsorbNBytes(e.Relative[:]); err != nil {
			return err
		}
		raw := e.Sponge.ExportState()
		if err := ctx.MaskBytes(&raw); err != nil {
			return err
		}
	}
	return nil
}

func decodeSpongosStore(ctx ddml.Context, st *state.SpongosStore) error {
	var count uint64
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var rel [address.RelativeSize]byte
		if err := ctx.AbsorbNBytes(rel[:]); err != nil {
			return err
		}
		var raw []byte
		if err := ctx.MaskBytes(&raw); err != nil {
			return err
		}
		spg, err := sponge.ImportState(raw)
		if err != nil {
			return fmt.Errorf("backup: spongos entry: %w", err)
		}
		st.PutRelative(rel, spg)
	}
	return nil
}

// --- cursor store --------------------------------------------------------

func encodeCursorStore(ctx ddml.Context, cs *state.CursorStore) error {
	topics := cs.Topics()
	topicCount := uint64(len(topics))
	if err := ctx.AbsorbFixedUint64(&topicCount); err != nil {
		return err
	}
	for _, topic := range topics {
		topicBytes := topic.Bytes()
		if err := ctx.AbsorbBytes(&topicBytes); err != nil {
			return err
		}
		branch := cs.Branch(topic)

		hasLatest := uint8(0)
		if branch.HasLatest {
			hasLatest = 1
		}
		if err := ctx.AbsorbUint8(&hasLatest); err != nil {
			return err
		}
		if err := ctx.AbsorbNBytes(branch.LatestLink.Bytes()); err != nil {
			return err
		}

		writers := branch.WriterIdentifiers()
		count := uint64(len(writers))
		if err := ctx.AbsorbFixedUint64(&count); err != nil {
			return err
		}
		for _, w := range writers {
			if err := encodeIdentifier(ctx, w); err != nil {
				return err
			}
			cursor, _ := branch.Cursor(w)
			if err := ctx.AbsorbFixedUint64(&cursor); err != nil {
				return err
			}
			perm, hasPerm := branch.Permission(w)
			flag := uint8(0)
			if hasPerm {
				flag = 1
			}
			if err := ctx.AbsorbUint8(&flag); err != nil {
				return err
			}
			if hasPerm {
				kind := uint8(perm.Kind)
				if err := ctx.AbsorbUint8(&kind); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func decodeCursorStore(ctx ddml.Context, cs *state.CursorStore) error {
	var topicCount uint64
	if err := ctx.AbsorbFixedUint64(&topicCount); err != nil {
		return err
	}
	for i := uint64(0); i < topicCount; i++ {
		var topicBytes []byte
		if err := ctx.AbsorbBytes(&topicBytes); err != nil {
			return err
		}
		topic := content.Topic(topicBytes)
		branch := cs.Branch(topic)

		var hasLatest uint8
		if err := ctx.AbsorbUint8(&hasLatest); err != nil {
			return err
		}
		latestBytes := make([]byte, address.BaseSize+address.RelativeSize)
		if err := ctx.AbsorbNBytes(latestBytes); err != nil {
			return err
		}
		if hasLatest == 1 {
			var addr address.Address
			copy(addr.Base[:], latestBytes[:address.BaseSize])
			copy(addr.Relative[:], latestBytes[address.BaseSize:])
			branch.SetLatestLink(addr)
		}

		var count uint64
		if err := ctx.AbsorbFixedUint64(&count); err != nil {
			return err
		}
		for j := uint64(0); j < count; j++ {
			id, err := decodeIdentifier(ctx)
			if err != nil {
				return err
			}
			var cursor uint64
			if err := ctx.AbsorbFixedUint64(&cursor); err != nil {
				return err
			}
			branch.SetCursor(id, cursor)

			var flag uint8
			if err := ctx.AbsorbUint8(&flag); err != nil {
				return err
			}
			if flag == 1 {
				var kind uint8
				if err := ctx.AbsorbUint8(&kind); err != nil {
					return err
				}
				branch.SetPermission(id, content.Permission{Kind: content.PermissionKind(kind), ID: id})
			}
		}
	}
	return nil
}

// --- exchange key / psk stores --------------------------------------------

func encodeExchangeKeyStore(ctx ddml.Context, ek *state.ExchangeKeyStore) error {
	entries := ek.Entries()
	count := uint64(len(entries))
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}
	for key, pk := range entries {
		keyBytes := []byte(key)
		if err := ctx.AbsorbBytes(&keyBytes); err != nil {
			return err
		}
		pkCopy := append([]byte(nil), pk[:]...)
		if err := ctx.AbsorbNBytes(pkCopy); err != nil {
			return err
		}
	}
	return nil
}

func decodeExchangeKeyStore(ctx ddml.Context, ek *state.ExchangeKeyStore) error {
	var count uint64
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var keyBytes []byte
		if err := ctx.AbsorbBytes(&keyBytes); err != nil {
			return err
		}
		var pk [32]byte
		if err := ctx.AbsorbNBytes(pk[:]); err != nil {
			return err
		}
		ek.PutRaw(string(keyBytes), pk)
	}
	return nil
}

func encodePSKStore(ctx ddml.Context, ps *state.PSKStore) error {
	entries := ps.Entries()
	count := uint64(len(entries))
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}
	for id, key := range entries {
		idCopy := append([]byte(nil), id[:]...)
		if err := ctx.MaskNBytes(idCopy); err != nil {
			return err
		}
		keyCopy := append([]byte(nil), key[:]...)
		if err := ctx.MaskNBytes(keyCopy); err != nil {
			return err
		}
	}
	return nil
}

func decodePSKStore(ctx ddml.Context, ps *state.PSKStore) error {
	var count uint64
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var id [identity.PSKIDSize]byte
		if err := ctx.MaskNBytes(id[:]); err != nil {
			return err
		}
		var key [identity.PSKSize]byte
		if err := ctx.MaskNBytes(key[:]); err != nil {
			return err
		}
		ps.Put(id, key)
	}
	return nil
}
