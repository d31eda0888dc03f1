package channel

import (
	"context"
	"fmt"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/envelope"
	"weave/channel/internal/obslog"
	"weave/channel/internal/protoerr"
)

// SendSignedPacket publishes a signed data frame in topic, masking
// maskedPayload under the branch's current session key and leaving
// publicPayload in the clear.
func (u *User) SendSignedPacket(ctx context.Context, topic content.Topic, publicPayload, maskedPayload []byte) (address.Address, error) {
	return u.sendPacket(ctx, topic, publicPayload, maskedPayload, true)
}

// SendTaggedPacket is SendSignedPacket's unsigned sibling, terminating with
// a plain frame MAC instead of a publisher signature.
func (u *User) SendTaggedPacket(ctx context.Context, topic content.Topic, publicPayload, maskedPayload []byte) (address.Address, error) {
	return u.sendPacket(ctx, topic, publicPayload, maskedPayload, false)
}

func (u *User) sendPacket(ctx context.Context, topic content.Topic, publicPayload, maskedPayload []byte, signed bool) (address.Address, error) {
	if err := u.requireStream(); err != nil {
		return address.Address{}, err
	}
	myIdentity, err := u.requireIdentity()
	if err != nil {
		return address.Address{}, err
	}
	publisher := myIdentity.ToIdentifier()

	//1.- Only a writer admitted to the branch may publish data frames.
	branch := u.state.Cursors.Branch(topic)
	perm, ok := branch.Permission(publisher)
	if !ok || !perm.CanWrite() {
		return address.Address{}, fmt.Errorf("channel: send_packet: publisher lacks write permission in topic %q", topic)
	}
	cursor, ok := branch.Cursor(publisher)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: send_packet: %w", protoerr.NewNoCursor(string(topic)))
	}
	if !branch.HasLatest {
		return address.Address{}, fmt.Errorf("channel: send_packet: %w", protoerr.NewLinkedNotInStore(""))
	}
	linked := branch.LatestLink
	linkedSponge, ok := u.state.Spongos.Get(linked)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: send_packet: %w", protoerr.NewLinkedNotInStore(linked.String()))
	}

	//2.- Wrap the packet chained to the branch's latest link and publish
	// it at this writer's next derived address.
	sequence := cursor + 1
	base, _ := u.StreamAddress()
	addr := address.New(base.Base, publisher.Bytes(), topic.Bytes(), sequence)

	var msgType content.HeaderType
	var encode func(ddml.Context) error
	if signed {
		msgType = content.TypeSignedPacket
		sp := &content.SignedPacket{PublicPayload: publicPayload, MaskedPayload: maskedPayload}
		encode = func(c ddml.Context) error { return sp.Encode(c, myIdentity) }
	} else {
		msgType = content.TypeTaggedPacket
		tp := &content.TaggedPacket{PublicPayload: publicPayload, MaskedPayload: maskedPayload}
		encode = func(c ddml.Context) error { return tp.Encode(c) }
	}

	hdf := envelope.HDF{
		Type:      msgType,
		Publisher: publisher,
		Topic:     topic,
		Sequence:  sequence,
		Linked:    linked,
		HasLinked: true,
	}
	raw, spg, err := envelope.Wrap(hdf, linkedSponge, encode)
	if err != nil {
		return address.Address{}, fmt.Errorf("channel: send_packet: wrap: %w", err)
	}
	if err := u.transport.Send(ctx, addr, raw); err != nil {
		return address.Address{}, protoerr.NewTransportError("send", addr.String(), err)
	}

	//3.- Advance this writer's cursor only after the send succeeds.
	u.state.Spongos.Put(addr, spg)
	branch.SetCursor(publisher, sequence)
	branch.SetLatestLink(addr)

	u.logger.Info("send_packet",
		obslog.String("topic", string(topic)),
		obslog.String("type", msgType.String()),
		obslog.String("address", addr.String()))

	return addr, nil
}
