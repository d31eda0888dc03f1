// Package channel implements the channel user engine:
// the single-user API that sits on top of the sponge/DDML wire codec
// (internal/ddml, internal/envelope), the content types (internal/content),
// and the pull-based message iterator (internal/stream). A User owns one
// identity and one channel base address, and is the only type application
// code is expected to construct directly; everything under internal/ is a
// collaborator it composes.
package channel

import (
	"context"
	"fmt"
	"time"

	"weave/channel/internal/address"
	"weave/channel/internal/config"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/envelope"
	"weave/channel/internal/identity"
	"weave/channel/internal/obslog"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/state"
	"weave/channel/internal/stream"
	"weave/channel/internal/transport"
)

// initMessageNum is the cursor value seeded for a writer the moment it is
// admitted to a branch: by CreateStream for the author, by NewBranch for
// every writer copied from the parent, and by SendKeyload for every newly
// granted recipient. It is applied uniformly as the stored "last consumed
// sequence" value, matching how CreateStream's own Announcement publish
// leaves the author's cursor at 1.
const initMessageNum = uint64(1)

// User is the per-identity channel engine. It is not safe for concurrent
// use by multiple goroutines; callers run one outstanding operation per
// user at a time.
type User struct {
	state     *state.State
	transport transport.Transport
	logger    *obslog.Logger
	rootTopic content.Topic
	messages  *stream.Messages

	// subscribed tracks whether Subscribe has been called and Unsubscribe
	// has not, since the sponge chain itself carries no cursor for a
	// read-only subscriber to check this against.
	subscribed bool
}

// New constructs a User from the given options. A Transport is required;
// Identity may be left nil for a PSK-only or read-only observer, though
// most operations then fail with protoerr.ErrNoIdentity.
func New(opts config.Options) (*User, error) {
	resolved, err := config.Resolve(opts)
	if err != nil {
		return nil, err
	}

	st := state.New()
	st.Identity = resolved.Identity
	st.BaseTopic = resolved.RootTopic

	u := &User{
		state:     st,
		transport: resolved.Transport,
		logger:    resolved.Logger,
		rootTopic: resolved.RootTopic,
	}
	u.messages = stream.New(address.Address{}, st.Cursors, u.transport, u)
	return u, nil
}

// bindStream records addr as the channel this user belongs to and
// (re)builds the Messages iterator against it. Called by CreateStream and
// by the dispatcher when the stream's Announcement is first processed.
func (u *User) bindStream(addr address.Address, author identity.Identifier) {
	u.state.StreamAddress = addr
	u.state.HasStream = true
	u.state.AuthorIdentifier = author
	u.messages = stream.New(addr, u.state.Cursors, u.transport, u)
}

// Identifier returns this user's own public identifier, or nil if no
// identity is bound.
func (u *User) Identifier() identity.Identifier {
	if u.state.Identity == nil {
		return nil
	}
	return u.state.Identity.ToIdentifier()
}

// StreamAddress returns the bound channel's base address and whether one
// is bound at all.
func (u *User) StreamAddress() (address.Address, bool) {
	return u.state.StreamAddress, u.state.HasStream
}

// TrustPSK records a pre-shared key this user already holds out-of-band;
// distribution of the key itself happens outside this protocol. Callers
// typically do this once before Subscribe/SendKeyload for a PSK-gated
// branch.
func (u *User) TrustPSK(id [identity.PSKIDSize]byte, key [identity.PSKSize]byte) {
	u.state.PSKs.Put(id, key)
}

func (u *User) requireIdentity() (identity.Identity, error) {
	if u.state.Identity == nil {
		return nil, fmt.Errorf("channel: %w", protoerr.ErrNoIdentity)
	}
	return u.state.Identity, nil
}

func (u *User) requireStream() error {
	if !u.state.HasStream {
		return fmt.Errorf("channel: %w", protoerr.ErrNoStream)
	}
	return nil
}

// CreateStream derives the channel base address from this user's identity
// and topic, publishes the Announcement, and binds the resulting stream to
// this user. The base branch's own cursor for the author is left at
// initMessageNum, matching the Announcement it just published at
// sequence 1.
func (u *User) CreateStream(ctx context.Context, topic content.Topic) (address.Address, error) {
	myIdentity, err := u.requireIdentity()
	if err != nil {
		return address.Address{}, err
	}
	if u.state.HasStream {
		// Re-announcing the stream this user already created would emit
		// byte-identical announcement bytes; surface it as the idempotent
		// duplicate it is rather than an address conflict.
		if topic == u.state.BaseTopic {
			return address.Address{}, protoerr.NewTopicAlreadyUsed(string(topic), u.state.StreamAddress.String())
		}
		return address.Address{}, fmt.Errorf("channel: create_stream: user already bound to a stream")
	}

	//1.- Derive the channel base address and probe it so an existing
	// foreign announcement is surfaced before anything is published.
	publisher := myIdentity.ToIdentifier()
	base := address.Base(publisher.Bytes(), topic.Bytes())
	streamAddr := address.New(base, publisher.Bytes(), topic.Bytes(), initMessageNum)

	existing, err := u.transport.Recv(ctx, streamAddr)
	if err != nil {
		return address.Address{}, protoerr.NewTransportError("recv", streamAddr.String(), err)
	}
	if len(existing) > 0 {
		return address.Address{}, protoerr.NewAddressTaken(streamAddr.String())
	}

	//2.- Wrap the Announcement carrying the author's signing and exchange
	// keys.
	exchangePKBytes, ok := publisher.ExchangeKey()
	if !ok {
		return address.Address{}, fmt.Errorf("channel: create_stream: identity has no exchange key")
	}
	var exchangePK [32]byte
	copy(exchangePK[:], exchangePKBytes)

	ann := &content.Announcement{AuthorIdentifier: publisher, AuthorExchangePK: exchangePK}
	hdf := envelope.HDF{
		Type:      content.TypeAnnouncement,
		Publisher: publisher,
		Topic:     topic,
		Sequence:  initMessageNum,
	}
	raw, spg, err := envelope.Wrap(hdf, nil, func(c ddml.Context) error { return ann.Encode(c, myIdentity) })
	if err != nil {
		return address.Address{}, fmt.Errorf("channel: create_stream: wrap announcement: %w", err)
	}

	if err := u.transport.Send(ctx, streamAddr, raw); err != nil {
		return address.Address{}, protoerr.NewTransportError("send", streamAddr.String(), err)
	}

	//3.- Only after the send succeeds, seed local state and bind the
	// stream to this user.
	u.state.Spongos.Put(streamAddr, spg)
	u.state.ExchangeKeys.Put(publisher, exchangePK)

	branch := u.state.Cursors.Branch(topic)
	branch.SetCursor(publisher, initMessageNum)
	branch.SetPermission(publisher, content.Admin(publisher, time.Time{}))
	branch.SetLatestLink(streamAddr)

	u.state.BaseTopic = topic
	u.rootTopic = topic
	u.bindStream(streamAddr, publisher)

	u.logger.Info("create_stream",
		obslog.String("topic", string(topic)),
		obslog.String("address", streamAddr.String()))

	return streamAddr, nil
}

// NewBranch publishes a BranchAnnouncement on the from branch declaring a
// new child topic, and seeds the child branch's membership from every
// writer currently known in from, each starting at initMessageNum.
func (u *User) NewBranch(ctx context.Context, from, to content.Topic) (address.Address, error) {
	if err := u.requireStream(); err != nil {
		return address.Address{}, err
	}
	myIdentity, err := u.requireIdentity()
	if err != nil {
		return address.Address{}, err
	}
	return u.sendBranchAnnouncement(ctx, myIdentity, from, to)
}

func (u *User) sendBranchAnnouncement(ctx context.Context, author identity.Identity, from, to content.Topic) (address.Address, error) {
	//1.- Resolve this writer's cursor and the parent branch's latest link,
	// whose sponge the announcement chains from.
	publisher := author.ToIdentifier()
	fromBranch := u.state.Cursors.Branch(from)
	cursor, ok := fromBranch.Cursor(publisher)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: new_branch: %w", protoerr.NewNoCursor(string(from)))
	}
	if !fromBranch.HasLatest {
		return address.Address{}, fmt.Errorf("channel: new_branch: %w", protoerr.NewLinkedNotInStore(""))
	}
	linked := fromBranch.LatestLink
	linkedSponge, ok := u.state.Spongos.Get(linked)
	if !ok {
		return address.Address{}, fmt.Errorf("channel: new_branch: %w", protoerr.NewLinkedNotInStore(linked.String()))
	}

	//2.- Wrap and publish the BranchAnnouncement at this writer's next
	// derived address in the parent branch.
	base, _ := u.StreamAddress()
	sequence := cursor + 1
	nextAddr := address.New(base.Base, publisher.Bytes(), from.Bytes(), sequence)

	ba := &content.BranchAnnouncement{NewTopic: to, PublisherIdentifier: publisher}
	hdf := envelope.HDF{
		Type:      content.TypeBranchAnnouncement,
		Publisher: publisher,
		Topic:     from,
		Sequence:  sequence,
		Linked:    linked,
		HasLinked: true,
	}
	raw, spg, err := envelope.Wrap(hdf, linkedSponge, func(c ddml.Context) error { return ba.Encode(c, author) })
	if err != nil {
		return address.Address{}, fmt.Errorf("channel: new_branch: wrap: %w", err)
	}
	if err := u.transport.Send(ctx, nextAddr, raw); err != nil {
		return address.Address{}, protoerr.NewTransportError("send", nextAddr.String(), err)
	}

	u.state.Spongos.Put(nextAddr, spg)
	fromBranch.SetCursor(publisher, sequence)
	fromBranch.SetLatestLink(nextAddr)

	//3.- Seed the child branch's membership from every writer known in the
	// parent.
	toBranch := u.state.Cursors.Branch(to)
	for _, writer := range fromBranch.WriterIdentifiers() {
		toBranch.SetCursor(writer, initMessageNum)
		if perm, ok := fromBranch.Permission(writer); ok {
			toBranch.SetPermission(writer, perm)
		}
	}
	// The child branch chains from the announcement that created it.
	if !toBranch.HasLatest {
		toBranch.SetLatestLink(nextAddr)
	}

	u.logger.Info("new_branch",
		obslog.String("from", string(from)),
		obslog.String("to", string(to)),
		obslog.String("address", nextAddr.String()))

	return nextAddr, nil
}
