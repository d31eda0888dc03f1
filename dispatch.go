package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/envelope"
	"weave/channel/internal/identity"
	"weave/channel/internal/obslog"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/sponge"
	"weave/channel/internal/state"
	"weave/channel/internal/stream"
)

// Dispatch unwraps raw (addressed at addr) and applies whatever state
// mutation its content type implies, satisfying stream.Dispatcher so this
// User can drive its own Messages iterator. It never itself fetches from
// the transport; FetchNext/ReceiveMessage do that and hand the bytes in.
func (u *User) Dispatch(ctx context.Context, addr address.Address, raw []byte) (*stream.Message, error) {
	return u.dispatchRaw(ctx, addr, raw)
}

func (u *User) dispatchRaw(ctx context.Context, addr address.Address, raw []byte) (*stream.Message, error) {
	lookupLinked := func(a address.Address) (*sponge.Sponge, bool) {
		return u.state.Spongos.Get(a)
	}

	var parsed content.Content
	readable := false

	decode := func(dctx *ddml.Unwrap, hdf envelope.HDF) error {
		switch hdf.Type {
		case content.TypeAnnouncement:
			ann := &content.Announcement{}
			if err := ann.Decode(dctx); err != nil {
				return err
			}
			parsed, readable = ann, true
			return nil

		case content.TypeBranchAnnouncement:
			ba := &content.BranchAnnouncement{}
			if err := ba.Decode(dctx, hdf.Publisher); err != nil {
				return err
			}
			parsed, readable = ba, true
			return nil

		case content.TypeSubscription:
			var authorSK [32]byte
			if si, ok := u.state.Identity.(*identity.SignatureIdentity); ok {
				authorSK = si.ExchangeSK
			}
			sub := &content.Subscription{}
			if err := sub.Decode(dctx, authorSK); err != nil {
				return err
			}
			parsed, readable = sub, true
			return nil

		case content.TypeUnsubscription:
			un := &content.Unsubscription{}
			if err := un.Decode(dctx); err != nil {
				return err
			}
			parsed, readable = un, true
			return nil

		case content.TypeKeyload:
			var myIdentifier identity.Identifier
			var myExchangeSK [32]byte
			if u.state.Identity != nil {
				myIdentifier = u.state.Identity.ToIdentifier()
				if si, ok := u.state.Identity.(*identity.SignatureIdentity); ok {
					myExchangeSK = si.ExchangeSK
				}
			}
			pskFor := func(id [identity.PSKIDSize]byte) ([32]byte, bool) { return u.state.PSKs.Get(id) }
			kl := &content.Keyload{}
			if err := kl.Decode(dctx, u.state.AuthorIdentifier, myIdentifier, myExchangeSK, pskFor); err != nil {
				return err
			}
			parsed, readable = kl, kl.HasSessionKey
			return nil

		case content.TypeSignedPacket:
			sp := &content.SignedPacket{}
			if err := sp.Decode(dctx, hdf.Publisher); err != nil {
				return err
			}
			parsed, readable = sp, true
			return nil

		case content.TypeTaggedPacket:
			tp := &content.TaggedPacket{}
			if err := tp.Decode(dctx); err != nil {
				return err
			}
			parsed, readable = tp, true
			return nil

		default:
			return fmt.Errorf("channel: dispatch: %w", protoerr.ErrUnexpectedType)
		}
	}

	hdf, spg, err := envelope.Unwrap(raw, lookupLinked, decode)
	if err != nil {
		//1.- A keyload or data frame whose body fails its integrity check
		// is still protocol-visible: record the diverged sponge so
		// descendants stay structurally walkable, advance the publisher's
		// cursor per the cleartext header, and yield a header-only message.
		if spg != nil && unreadableBody(hdf.Type, err) {
			u.state.Spongos.Put(addr, spg)
			u.applyHeaderSideEffects(addr, hdf)
			return &stream.Message{Address: addr, Header: hdf}, nil
		}
		//2.- Anything else (orphan, header damage, structural decode
		// failure) surfaces to the caller untouched.
		return &stream.Message{Address: addr, Header: hdf}, err
	}
	u.state.Spongos.Put(addr, spg)

	msg := &stream.Message{Address: addr, Header: hdf, Content: parsed, Readable: readable}
	u.applySideEffects(addr, hdf, parsed)
	return msg, nil
}

// unreadableBody reports whether err means the body of a message of type t
// failed its signature or MAC check while the header parsed cleanly -- the
// shape a receiver outside the branch's keyload sees. Only keyloads and
// data frames stay protocol-visible this way; a damaged announcement,
// subscription, or unsubscription is rejected outright.
func unreadableBody(t content.HeaderType, err error) bool {
	switch t {
	case content.TypeKeyload, content.TypeSignedPacket, content.TypeTaggedPacket:
	default:
		return false
	}
	return errors.Is(err, ddml.ErrBadMac) || errors.Is(err, ddml.ErrSignatureInvalid)
}

// applyHeaderSideEffects applies the cursor and latest-link updates the
// cleartext header alone authorizes, used for messages whose body could not
// be read: readable and unreadable messages are equally authoritative for
// cursor tracking.
func (u *User) applyHeaderSideEffects(addr address.Address, hdf envelope.HDF) {
	branch := u.state.Cursors.Branch(hdf.Topic)
	advanceCursor(branch, hdf.Publisher, hdf.Sequence)
	branch.SetLatestLink(addr)
}

// advanceCursor sets id's cursor to seq unless it already holds an equal
// or greater one, keeping cursors monotonic across replayed or
// out-of-order Dispatch calls.
func advanceCursor(branch *state.BranchCursors, id identity.Identifier, seq uint64) {
	if current, ok := branch.Cursor(id); ok && seq <= current {
		return
	}
	branch.SetCursor(id, seq)
}

// seedBranch copies every writer's cursor and permission from src into dst
// at initMessageNum; applied when a BranchAnnouncement is received.
func seedBranch(dst, src *state.BranchCursors) {
	for _, writer := range src.WriterIdentifiers() {
		advanceCursor(dst, writer, initMessageNum)
		if perm, ok := src.Permission(writer); ok {
			dst.SetPermission(writer, perm)
		}
	}
}

// applySideEffects mutates cursors, permissions, and the exchange-key
// store according to the content type just dispatched. It is
// deliberately tolerant of unknown/unreadable content: any error worth
// surfacing already happened during decode.
func (u *User) applySideEffects(addr address.Address, hdf envelope.HDF, c content.Content) {
	switch v := c.(type) {
	case *content.Announcement:
		if !u.state.HasStream {
			u.bindStream(addr, v.AuthorIdentifier)
			if u.state.BaseTopic == "" {
				u.state.BaseTopic = hdf.Topic
			}
		}
		branch := u.state.Cursors.Branch(hdf.Topic)
		advanceCursor(branch, v.AuthorIdentifier, hdf.Sequence)
		branch.SetPermission(v.AuthorIdentifier, content.Admin(v.AuthorIdentifier, time.Time{}))
		branch.SetLatestLink(addr)
		u.state.ExchangeKeys.Put(v.AuthorIdentifier, v.AuthorExchangePK)

	case *content.BranchAnnouncement:
		fromBranch := u.state.Cursors.Branch(hdf.Topic)
		advanceCursor(fromBranch, hdf.Publisher, hdf.Sequence)
		fromBranch.SetLatestLink(addr)
		toBranch := u.state.Cursors.Branch(v.NewTopic)
		seedBranch(toBranch, fromBranch)

	case *content.Subscription:
		// The static key carried inside the handshake, not the ephemeral
		// point protecting the Subscription itself, is what later Keyloads
		// must encrypt to: the subscriber discards the ephemeral scalar
		// after sending.
		u.state.ExchangeKeys.Put(v.SubscriberIdentifier, v.SubscriberExchangePK)

	case *content.Unsubscription:
		u.state.ExchangeKeys.Delete(v.SubscriberIdentifier)
		for _, topic := range u.state.Cursors.Topics() {
			u.state.Cursors.Branch(topic).DeleteWriter(v.SubscriberIdentifier)
		}

	case *content.Keyload:
		branch := u.state.Cursors.Branch(hdf.Topic)
		advanceCursor(branch, hdf.Publisher, hdf.Sequence)
		branch.SetLatestLink(addr)
		for _, r := range v.Recipients {
			branch.SetPermission(r.Permission.ID, r.Permission)
			if r.Permission.HasCursor() {
				advanceCursor(branch, r.Permission.ID, r.CursorAtIssue)
			}
		}

	case *content.SignedPacket:
		branch := u.state.Cursors.Branch(hdf.Topic)
		advanceCursor(branch, hdf.Publisher, hdf.Sequence)
		branch.SetLatestLink(addr)

	case *content.TaggedPacket:
		branch := u.state.Cursors.Branch(hdf.Topic)
		advanceCursor(branch, hdf.Publisher, hdf.Sequence)
		branch.SetLatestLink(addr)
	}
}

// ReceiveMessage fetches every raw payload currently indexed at addr and
// dispatches the first one that unwraps successfully. Unlike
// Sync/FetchNextMessages, this does not require a bound stream: it is also
// how a prospective subscriber first discovers and binds to a channel by
// fetching its Announcement directly.
func (u *User) ReceiveMessage(ctx context.Context, addr address.Address) (*stream.Message, error) {
	raws, err := u.transport.Recv(ctx, addr)
	if err != nil {
		return nil, protoerr.NewTransportError("recv", addr.String(), err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("channel: receive_message: no message at %s", addr.String())
	}

	var lastErr error
	for _, raw := range raws {
		msg, err := u.dispatchRaw(ctx, addr, raw)
		if err == nil {
			u.logger.Info("receive_message",
				obslog.String("type", msg.Header.Type.String()),
				obslog.String("address", addr.String()))
			return msg, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Sync drives the Messages iterator to exhaustion, returning the number of
// messages consumed.
func (u *User) Sync(ctx context.Context) (int, error) {
	if err := u.requireStream(); err != nil {
		return 0, err
	}
	return u.messages.SyncAll(ctx)
}

// FetchNextMessages drives the Messages iterator to exhaustion, returning
// every message consumed in DAG-consistent order.
func (u *User) FetchNextMessages(ctx context.Context) ([]*stream.Message, error) {
	if err := u.requireStream(); err != nil {
		return nil, err
	}
	return u.messages.FetchAll(ctx)
}
