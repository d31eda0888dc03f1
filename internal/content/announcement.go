package content

import (
	"fmt"

	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// Announcement establishes a channel's root sponge and publishes the
// author's long-term signing and DH public keys.
type Announcement struct {
	AuthorIdentifier identity.Identifier
	AuthorExchangePK [32]byte
}

func (Announcement) Type() HeaderType { return TypeAnnouncement }

// Encode runs: absorb(author_signature_pk); absorb(author_ke_pk); commit;
// sign(author). It is valid against SizeOf and Wrap contexts.
func (a *Announcement) Encode(ctx ddml.Context, author identity.Identity) error {
	pub := author.ToIdentifier()
	pubBytes := pub.Bytes()
	if err := ctx.AbsorbBytes(&pubBytes); err != nil {
		return err
	}
	exchangePK, ok := pub.ExchangeKey()
	if !ok {
		return fmt.Errorf("content: announcement author identity has no exchange key")
	}
	if err := ctx.AbsorbNBytes(exchangePK); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.Sign(author)
}

// Decode runs the dual unwrap pipeline against an Unwrap context.
func (a *Announcement) Decode(ctx ddml.Context) error {
	var pubBytes []byte
	if err := ctx.AbsorbBytes(&pubBytes); err != nil {
		return err
	}
	exchangePK := make([]byte, 32)
	if err := ctx.AbsorbNBytes(exchangePK); err != nil {
		return err
	}
	ctx.Commit()

	identifier := &identity.SignatureIdentifier{VerifyKey: append([]byte(nil), pubBytes...)}
	copy(identifier.ExchangePK[:], exchangePK)

	if err := ctx.Verify(identifier); err != nil {
		return err
	}

	a.AuthorIdentifier = identifier
	copy(a.AuthorExchangePK[:], exchangePK)
	return nil
}
