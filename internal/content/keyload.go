package content

import (
	"fmt"

	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// KeyloadRecipient is one entry of a Keyload's recipient list: a
// Permissioned<Identifier> plus the cursor the recipient is granted at
// issue time. PSK recipients are always read-only with a zero cursor;
// asymmetric (signature-identity) recipients carry whatever permission the
// author assigned.
type KeyloadRecipient struct {
	Permission    Permission
	CursorAtIssue uint64
}

// Keyload re-keys a branch: it distributes a fresh session key to each
// recipient under their own PSK or static-ephemeral X25519 secret, then
// binds that key into the main transcript so every descendant
// SignedPacket/TaggedPacket chains from key-dependent sponge state. Each
// recipient's permission, cursor, and session-key exchange happens inside
// that recipient's own ctx.Fork(); the key itself is absorbed externally
// on the main context after the loop. A receiver that opens none of the
// forks binds zeroes instead and fails the trailing signature check: the
// message stays protocol-visible through its cleartext header, but its
// body, and every packet chained from it, is unreadable.
type Keyload struct {
	Nonce         [16]byte
	Recipients    []KeyloadRecipient
	SessionKey    [32]byte
	HasSessionKey bool // set on Decode when the local party recovered a usable key
}

func (Keyload) Type() HeaderType { return TypeKeyload }

// Encode runs: absorb(nonce); absorb(count); for each recipient, inside a
// fork: mask(permission), absorb(cursor_at_issue), then either
// absorb-external(psk)+mask(session_key) or x25519(ephemeral, recipient)+
// mask(session_key); after the loop, on the main context:
// absorb-external(session_key); commit; sign(author).
//
// pskFor resolves a PSK recipient's identifier to the actual pre-shared
// key (the author must hold every PSK it grants). exchangePKFor resolves a
// signature-identity recipient's identifier to their static X25519 public
// key (learned from an earlier Announcement or Subscription).
func (k *Keyload) Encode(
	ctx ddml.Context,
	author identity.Identity,
	recipients []KeyloadRecipient,
	sessionKey [32]byte,
	pskFor func(identity.Identifier) ([32]byte, bool),
	exchangePKFor func(identity.Identifier) ([32]byte, bool),
) error {
	//1.- Absorb the cleartext nonce and recipient count on the main context.
	if err := ctx.AbsorbNBytes(k.Nonce[:]); err != nil {
		return err
	}
	count := uint64(len(recipients))
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}

	//2.- Encrypt the session key to each recipient inside its own fork so
	// one recipient's key material never perturbs another's subchannel.
	for _, r := range recipients {
		fork := ctx.Fork()
		if err := encodePermission(fork, r.Permission); err != nil {
			return err
		}
		cursor := r.CursorAtIssue
		if err := fork.AbsorbFixedUint64(&cursor); err != nil {
			return err
		}

		key := append([]byte(nil), sessionKey[:]...)
		switch r.Permission.ID.Tag() {
		case identity.TagPSK:
			psk, ok := pskFor(r.Permission.ID)
			if !ok {
				return fmt.Errorf("content: keyload: pre-shared key not held for recipient")
			}
			if err := fork.AbsorbExternalNBytes(psk[:]); err != nil {
				return err
			}
			if err := fork.MaskNBytes(key); err != nil {
				return err
			}
		case identity.TagSignature:
			peerPK, ok := exchangePKFor(r.Permission.ID)
			if !ok {
				return fmt.Errorf("content: keyload: no exchange key on record for recipient")
			}
			ephemeralScalar, _, err := identity.GenerateEphemeralX25519()
			if err != nil {
				return fmt.Errorf("content: keyload: %w", err)
			}
			if err := fork.X25519(ephemeralScalar, &peerPK); err != nil {
				return err
			}
			if err := fork.MaskNBytes(key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("content: keyload: unsupported recipient identifier tag %d", r.Permission.ID.Tag())
		}
	}

	//3.- Bind the session key into the main transcript so every descendant
	// message chains from key-dependent state, then seal with the signature.
	if err := ctx.AbsorbExternalNBytes(sessionKey[:]); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.Sign(author)
}

// Decode mirrors Encode. myIdentifier/myExchangeSK identify the local
// signature identity (myIdentifier may be nil if the local party has none,
// e.g. a PSK-only participant); pskFor resolves a PSK id the local party
// holds, if any. author is the channel author's identifier, used to verify
// the trailing signature.
func (k *Keyload) Decode(
	ctx ddml.Context,
	author identity.Identifier,
	myIdentifier identity.Identifier,
	myExchangeSK [32]byte,
	pskFor func(id [identity.PSKIDSize]byte) ([32]byte, bool),
) error {
	//1.- Absorb the cleartext nonce and recipient count on the main context.
	if err := ctx.AbsorbNBytes(k.Nonce[:]); err != nil {
		return err
	}
	var count uint64
	if err := ctx.AbsorbFixedUint64(&count); err != nil {
		return err
	}

	//2.- Walk every recipient fork with the fixed-width read sequence for
	// its identifier variant; only a matching fork yields the real key.
	k.Recipients = make([]KeyloadRecipient, 0, count)
	for i := uint64(0); i < count; i++ {
		fork := ctx.Fork()
		perm, err := decodePermission(fork)
		if err != nil {
			return err
		}
		var cursor uint64
		if err := fork.AbsorbFixedUint64(&cursor); err != nil {
			return err
		}

		var sessionKeyBuf [32]byte
		switch perm.ID.Tag() {
		case identity.TagPSK:
			pskID := perm.ID.(*identity.PSKIdentifier).ID
			key, matched := pskFor(pskID)
			var ext [32]byte
			if matched {
				ext = key
			}
			if err := fork.AbsorbExternalNBytes(ext[:]); err != nil {
				return err
			}
			if err := fork.MaskNBytes(sessionKeyBuf[:]); err != nil {
				return err
			}
			if matched && !k.HasSessionKey {
				k.SessionKey = sessionKeyBuf
				k.HasSessionKey = true
			}
		case identity.TagSignature:
			matched := myIdentifier != nil && myIdentifier.Equal(perm.ID)
			var localScalar [32]byte
			if matched {
				localScalar = myExchangeSK
			}
			var peerPub [32]byte
			if err := fork.X25519(localScalar, &peerPub); err != nil {
				return err
			}
			if err := fork.MaskNBytes(sessionKeyBuf[:]); err != nil {
				return err
			}
			if matched && !k.HasSessionKey {
				k.SessionKey = sessionKeyBuf
				k.HasSessionKey = true
			}
		default:
			return fmt.Errorf("content: keyload: unsupported recipient identifier tag %d", perm.ID.Tag())
		}

		k.Recipients = append(k.Recipients, KeyloadRecipient{Permission: perm, CursorAtIssue: cursor})
	}

	//3.- Bind whatever key was recovered into the main transcript; a
	// non-recipient binds zeroes and fails the signature check below.
	var bound [32]byte
	if k.HasSessionKey {
		bound = k.SessionKey
	}
	if err := ctx.AbsorbExternalNBytes(bound[:]); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.Verify(author)
}
