package content

import (
	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// Unsubscription revokes a prior Subscription. Confidentiality of the
// subscriber identifier comes entirely from the chained sponge established
// by the envelope's Join to the branch's latest link; no fresh
// key exchange is needed since the subscriber is already known to anyone
// following the chain.
type Unsubscription struct {
	SubscriberIdentifier identity.Identifier
}

func (Unsubscription) Type() HeaderType { return TypeUnsubscription }

// Encode runs: mask(subscriber_identifier); commit; sign(subscriber).
func (u *Unsubscription) Encode(ctx ddml.Context, subscriber identity.Identity) error {
	if err := encodeIdentifierMasked(ctx, subscriber.ToIdentifier()); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.Sign(subscriber)
}

// Decode runs the dual unwrap, verifying the signature belongs to the
// identifier it just unmasked.
func (u *Unsubscription) Decode(ctx ddml.Context) error {
	id, err := decodeIdentifierMasked(ctx)
	if err != nil {
		return err
	}
	ctx.Commit()
	if err := ctx.Verify(id); err != nil {
		return err
	}
	u.SubscriberIdentifier = id
	return nil
}
