package content

import (
	"weave/channel/internal/ddml"
)

// TaggedPacket is SignedPacket's unsigned sibling: it terminates with a
// plain frame MAC instead of a publisher signature, for content that only
// needs origin-within-the-chain integrity, not non-repudiation.
type TaggedPacket struct {
	PublicPayload []byte
	MaskedPayload []byte
}

func (TaggedPacket) Type() HeaderType { return TypeTaggedPacket }

// Encode runs: absorb(public_payload); mask(masked_payload); commit;
// squeeze(MAC-32). The mask runs on the main transcript, so the MAC covers
// the masked ciphertext.
func (p *TaggedPacket) Encode(ctx ddml.Context) error {
	pub := append([]byte(nil), p.PublicPayload...)
	if err := ctx.AbsorbBytes(&pub); err != nil {
		return err
	}
	masked := append([]byte(nil), p.MaskedPayload...)
	if err := ctx.MaskBytes(&masked); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.SqueezeMAC()
}

// Decode mirrors Encode. A receiver whose spongos never folded in the
// branch session key decrypts garbage and fails the MAC check.
func (p *TaggedPacket) Decode(ctx ddml.Context) error {
	var pub []byte
	if err := ctx.AbsorbBytes(&pub); err != nil {
		return err
	}
	var masked []byte
	if err := ctx.MaskBytes(&masked); err != nil {
		return err
	}
	ctx.Commit()
	if err := ctx.SqueezeMAC(); err != nil {
		return err
	}
	p.PublicPayload = pub
	p.MaskedPayload = masked
	return nil
}
