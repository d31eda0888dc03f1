package content

import (
	"crypto/ed25519"
	"fmt"

	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// Subscription publishes a one-shot request to join a channel, using
// static-ephemeral X25519 to the author's advertised exchange key so only
// the author can recover the subscriber's signing key. The subscriber's
// own static exchange key rides along masked under the same handshake:
// the ephemeral scalar protecting this message is discarded after Encode,
// so the static key is what every later Keyload targeting this subscriber
// must encrypt to.
type Subscription struct {
	EphemeralExchangePK  [32]byte
	UnsubscribeKey       [32]byte
	SubscriberIdentifier identity.Identifier
	SubscriberExchangePK [32]byte
}

func (Subscription) Type() HeaderType { return TypeSubscription }

// Encode runs: x25519(author_ke_pk, ephemeral); mask(unsubscribe_key);
// mask(subscriber_signature_pk); mask(subscriber_ke_pk); commit;
// sign(subscriber).
func (s *Subscription) Encode(ctx ddml.Context, subscriber identity.Identity, authorExchangePK [32]byte, unsubscribeKey [32]byte) error {
	ephemeralScalar, _, err := identity.GenerateEphemeralX25519()
	if err != nil {
		return fmt.Errorf("content: subscription: %w", err)
	}
	peer := authorExchangePK
	if err := ctx.X25519(ephemeralScalar, &peer); err != nil {
		return err
	}

	key := append([]byte(nil), unsubscribeKey[:]...)
	if err := ctx.MaskNBytes(key); err != nil {
		return err
	}

	subscriberID := subscriber.ToIdentifier()
	pub := subscriberID.Bytes()
	if err := ctx.MaskNBytes(pub); err != nil {
		return err
	}

	exchangePK, ok := subscriberID.ExchangeKey()
	if !ok {
		return fmt.Errorf("content: subscription: subscriber identity has no exchange key")
	}
	if err := ctx.MaskNBytes(exchangePK); err != nil {
		return err
	}

	ctx.Commit()
	return ctx.Sign(subscriber)
}

// Decode runs the dual unwrap pipeline. authorExchangeSK is the author's
// static X25519 secret scalar, required to recover the shared secret and
// thus the subscriber's masked signing key.
func (s *Subscription) Decode(ctx ddml.Context, authorExchangeSK [32]byte) error {
	var ephemeralPeer [32]byte
	if err := ctx.X25519(authorExchangeSK, &ephemeralPeer); err != nil {
		return err
	}

	var unsubscribeKey [32]byte
	if err := ctx.MaskNBytes(unsubscribeKey[:]); err != nil {
		return err
	}

	pubBytes := make([]byte, ed25519.PublicKeySize)
	if err := ctx.MaskNBytes(pubBytes); err != nil {
		return err
	}

	var subscriberExchangePK [32]byte
	if err := ctx.MaskNBytes(subscriberExchangePK[:]); err != nil {
		return err
	}

	ctx.Commit()

	identifier := &identity.SignatureIdentifier{
		VerifyKey:  append([]byte(nil), pubBytes...),
		ExchangePK: subscriberExchangePK,
	}
	if err := ctx.Verify(identifier); err != nil {
		return err
	}

	s.EphemeralExchangePK = ephemeralPeer
	s.UnsubscribeKey = unsubscribeKey
	s.SubscriberIdentifier = identifier
	s.SubscriberExchangePK = subscriberExchangePK
	return nil
}
