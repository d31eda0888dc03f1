package channel

import (
	"context"
	"crypto/rand"
	"fmt"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/envelope"
	"weave/channel/internal/obslog"
	"weave/channel/internal/protoerr"
)

// subscriptionCursor and unsubscriptionCursor are reserved address-derivation
// cursor values for the two one-shot content types that carry no tracked
// writer cursor. Every tracked writer's real cursor starts at initMessageNum
// (1) and only increases, so 0 and the all-ones sentinel can never collide
// with a genuine publish address derived for the same (base, publisher,
// topic) triple.
const (
	subscriptionCursor   = uint64(0)
	unsubscriptionCursor = ^uint64(0)
)

// Subscribe publishes a Subscription linked to the base branch's latest
// message, requesting the author admit this user's identity. The author's
// static exchange key must already be known, i.e. this user must have
// received the channel's Announcement first.
func (u *User) Subscribe(ctx context.Context) (address.Address, error) {
	if err := u.requireStream(); err != nil {
		return address.Address{}, err
	}
	myIdentity, err := u.requireIdentity()
	if err != nil {
		return address.Address{}, err
	}

	//1.- The static-ephemeral handshake needs the author's advertised
	// exchange key, learned from the Announcement.
	authorExchangePK, ok := u.state.ExchangeKeys.Get(u.state.AuthorIdentifier)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: subscribe: author exchange key unknown; receive the announcement first")
	}

	baseBranch := u.state.Cursors.Branch(u.state.BaseTopic)
	if !baseBranch.HasLatest {
		return address.Address{}, fmt.Errorf("channel: subscribe: %w", protoerr.NewLinkedNotInStore(""))
	}
	linked := baseBranch.LatestLink
	linkedSponge, ok := u.state.Spongos.Get(linked)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: subscribe: %w", protoerr.NewLinkedNotInStore(linked.String()))
	}

	//2.- Publish at the reserved subscription slot for this identity.
	base, _ := u.StreamAddress()
	publisher := myIdentity.ToIdentifier()
	addr := address.New(base.Base, publisher.Bytes(), u.state.BaseTopic.Bytes(), subscriptionCursor)

	var unsubscribeKey [32]byte
	if _, err := rand.Read(unsubscribeKey[:]); err != nil {
		return address.Address{}, fmt.Errorf("channel: subscribe: generate unsubscribe key: %w", err)
	}

	sub := &content.Subscription{}
	hdf := envelope.HDF{
		Type:      content.TypeSubscription,
		Publisher: publisher,
		Topic:     u.state.BaseTopic,
		Sequence:  subscriptionCursor,
		Linked:    linked,
		HasLinked: true,
	}
	raw, spg, err := envelope.Wrap(hdf, linkedSponge, func(c ddml.Context) error {
		return sub.Encode(c, myIdentity, authorExchangePK, unsubscribeKey)
	})
	if err != nil {
		return address.Address{}, fmt.Errorf("channel: subscribe: wrap: %w", err)
	}
	if err := u.transport.Send(ctx, addr, raw); err != nil {
		return address.Address{}, protoerr.NewTransportError("send", addr.String(), err)
	}

	//3.- Record the sent message's sponge; no cursor is tracked for a
	// read-only subscriber.
	u.state.Spongos.Put(addr, spg)
	u.subscribed = true

	u.logger.Info("subscribe", obslog.String("address", addr.String()))
	return addr, nil
}

// Unsubscribe publishes an Unsubscription linked to the base branch's
// latest message. It requires this user to have
// previously subscribed in this process (a backup does not record it, so
// a restored user cannot unsubscribe); the underlying sponge chain never tracks subscriber
// cursors, so this is tracked separately rather than reusing the cursor
// store.
func (u *User) Unsubscribe(ctx context.Context) (address.Address, error) {
	if err := u.requireStream(); err != nil {
		return address.Address{}, err
	}
	myIdentity, err := u.requireIdentity()
	if err != nil {
		return address.Address{}, err
	}
	if !u.subscribed {
		return address.Address{}, fmt.Errorf("channel: unsubscribe: %w", protoerr.NewNoCursor(string(u.state.BaseTopic)))
	}

	baseBranch := u.state.Cursors.Branch(u.state.BaseTopic)
	if !baseBranch.HasLatest {
		return address.Address{}, fmt.Errorf("channel: unsubscribe: %w", protoerr.NewLinkedNotInStore(""))
	}
	linked := baseBranch.LatestLink
	linkedSponge, ok := u.state.Spongos.Get(linked)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: unsubscribe: %w", protoerr.NewLinkedNotInStore(linked.String()))
	}

	base, _ := u.StreamAddress()
	publisher := myIdentity.ToIdentifier()
	addr := address.New(base.Base, publisher.Bytes(), u.state.BaseTopic.Bytes(), unsubscriptionCursor)

	unsub := &content.Unsubscription{}
	hdf := envelope.HDF{
		Type:      content.TypeUnsubscription,
		Publisher: publisher,
		Topic:     u.state.BaseTopic,
		Sequence:  unsubscriptionCursor,
		Linked:    linked,
		HasLinked: true,
	}
	raw, spg, err := envelope.Wrap(hdf, linkedSponge, func(c ddml.Context) error {
		return unsub.Encode(c, myIdentity)
	})
	if err != nil {
		return address.Address{}, fmt.Errorf("channel: unsubscribe: wrap: %w", err)
	}
	if err := u.transport.Send(ctx, addr, raw); err != nil {
		return address.Address{}, protoerr.NewTransportError("send", addr.String(), err)
	}

	u.state.Spongos.Put(addr, spg)
	u.subscribed = false

	u.logger.Info("unsubscribe", obslog.String("address", addr.String()))
	return addr, nil
}
