package channel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/envelope"
	"weave/channel/internal/identity"
	"weave/channel/internal/obslog"
	"weave/channel/internal/protoerr"
)

// SendKeyload re-keys topic: it distributes a fresh session key to members
// (identity-addressed recipients with an explicit permission) and pskIDs
// (pre-shared-key recipients, always read-only), publishing the Keyload
// linked to the branch's latest message. If topic has never been branched,
// a BranchAnnouncement from this user's base topic is published first.
func (u *User) SendKeyload(ctx context.Context, topic content.Topic, members []content.Permission, pskIDs [][identity.PSKIDSize]byte) (address.Address, error) {
	if err := u.requireStream(); err != nil {
		return address.Address{}, err
	}
	myIdentity, err := u.requireIdentity()
	if err != nil {
		return address.Address{}, err
	}
	publisher := myIdentity.ToIdentifier()

	//1.- Auto-create the branch from the base topic when it has never been
	// announced.
	if !u.state.Cursors.HasBranch(topic) {
		if _, err := u.sendBranchAnnouncement(ctx, myIdentity, u.state.BaseTopic, topic); err != nil {
			return address.Address{}, fmt.Errorf("channel: send_keyload: auto branch announcement: %w", err)
		}
	}

	//2.- Only an admin of the branch may re-key it.
	branch := u.state.Cursors.Branch(topic)
	perm, ok := branch.Permission(publisher)
	if !ok || !perm.IsAdmin() {
		return address.Address{}, fmt.Errorf("channel: send_keyload: publisher is not admin in topic %q", topic)
	}

	cursor, ok := branch.Cursor(publisher)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: send_keyload: %w", protoerr.NewNoCursor(string(topic)))
	}
	if !branch.HasLatest {
		return address.Address{}, fmt.Errorf("channel: send_keyload: %w", protoerr.NewLinkedNotInStore(""))
	}
	linked := branch.LatestLink
	linkedSponge, ok := u.state.Spongos.Get(linked)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: send_keyload: %w", protoerr.NewLinkedNotInStore(linked.String()))
	}

	//3.- Canonicalize the recipient list: identity-addressed members in the
	// order provided, then PSK entries in the order provided.
	recipients := make([]content.KeyloadRecipient, 0, len(members)+len(pskIDs))
	for _, m := range members {
		cursorAtIssue := initMessageNum
		if existing, ok := branch.Cursor(m.ID); ok {
			cursorAtIssue = existing
		}
		recipients = append(recipients, content.KeyloadRecipient{Permission: m, CursorAtIssue: cursorAtIssue})
	}
	for _, pskID := range pskIDs {
		if _, ok := u.state.PSKs.Get(pskID); !ok {
			return address.Address{}, fmt.Errorf("channel: send_keyload: %w", protoerr.NewUnknownPsk(linked.String(), hex.EncodeToString(pskID[:])))
		}
		recipients = append(recipients, content.KeyloadRecipient{
			Permission:    content.ReadOnly(&identity.PSKIdentifier{ID: pskID}),
			CursorAtIssue: 0,
		})
	}

	//4.- Draw a fresh session key and nonce, then wrap and publish.
	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return address.Address{}, fmt.Errorf("channel: send_keyload: generate session key: %w", err)
	}
	kl := &content.Keyload{}
	if _, err := rand.Read(kl.Nonce[:]); err != nil {
		return address.Address{}, fmt.Errorf("channel: send_keyload: generate nonce: %w", err)
	}

	pskFor := func(id identity.Identifier) ([32]byte, bool) {
		pskID, ok := id.(*identity.PSKIdentifier)
		if !ok {
			return [32]byte{}, false
		}
		return u.state.PSKs.Get(pskID.ID)
	}
	exchangePKFor := func(id identity.Identifier) ([32]byte, bool) {
		return u.state.ExchangeKeys.Get(id)
	}

	sequence := cursor + 1
	base, _ := u.StreamAddress()
	addr := address.New(base.Base, publisher.Bytes(), topic.Bytes(), sequence)

	hdf := envelope.HDF{
		Type:      content.TypeKeyload,
		Publisher: publisher,
		Topic:     topic,
		Sequence:  sequence,
		Linked:    linked,
		HasLinked: true,
	}
	raw, spg, err := envelope.Wrap(hdf, linkedSponge, func(c ddml.Context) error {
		return kl.Encode(c, myIdentity, recipients, sessionKey, pskFor, exchangePKFor)
	})
	if err != nil {
		return address.Address{}, fmt.Errorf("channel: send_keyload: wrap: %w", err)
	}
	if err := u.transport.Send(ctx, addr, raw); err != nil {
		return address.Address{}, protoerr.NewTransportError("send", addr.String(), err)
	}

	//5.- Record the keyload locally: cursor, latest link, and the
	// permissions and cursors it grants.
	u.state.Spongos.Put(addr, spg)
	branch.SetCursor(publisher, sequence)
	branch.SetLatestLink(addr)
	for _, r := range recipients {
		branch.SetPermission(r.Permission.ID, r.Permission)
		if r.Permission.HasCursor() {
			branch.SetCursor(r.Permission.ID, r.CursorAtIssue)
		}
	}

	u.logger.Info("send_keyload",
		obslog.String("topic", string(topic)),
		obslog.Int("recipients", len(recipients)),
		obslog.String("address", addr.String()))

	return addr, nil
}
