package content

import (
	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// SignedPacket carries an application payload split into a cleartext public
// part and a masked part readable only through the branch's keyload chain.
type SignedPacket struct {
	PublicPayload []byte
	MaskedPayload []byte
}

func (SignedPacket) Type() HeaderType { return TypeSignedPacket }

// Encode runs: absorb(public_payload); mask(masked_payload); commit;
// sign(publisher). The mask runs on the main transcript, so the signature
// covers the masked ciphertext; confidentiality comes from the chained
// sponge, which descends from the branch's last keyload.
func (p *SignedPacket) Encode(ctx ddml.Context, publisher identity.Identity) error {
	pub := append([]byte(nil), p.PublicPayload...)
	if err := ctx.AbsorbBytes(&pub); err != nil {
		return err
	}
	masked := append([]byte(nil), p.MaskedPayload...)
	if err := ctx.MaskBytes(&masked); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.Sign(publisher)
}

// Decode mirrors Encode; publisher authenticates the signature. A receiver
// whose spongos never folded in the branch session key decrypts garbage and
// fails the signature check.
func (p *SignedPacket) Decode(ctx ddml.Context, publisher identity.Identifier) error {
	var pub []byte
	if err := ctx.AbsorbBytes(&pub); err != nil {
		return err
	}
	var masked []byte
	if err := ctx.MaskBytes(&masked); err != nil {
		return err
	}
	ctx.Commit()
	if err := ctx.Verify(publisher); err != nil {
		return err
	}
	p.PublicPayload = pub
	p.MaskedPayload = masked
	return nil
}
