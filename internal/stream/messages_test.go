package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/envelope"
	"weave/channel/internal/identity"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/state"
	"weave/channel/internal/transport"
)

// fakeDispatcher treats the raw payload as an opaque token and looks up a
// canned (Message, error) response by it, so these tests can drive the
// iterator's orphan/stage/ids_stack bookkeeping without a real codec. Like
// the real engine, it advances the publisher's cursor on every successful
// dispatch; without that the iterator would re-poll the same address on
// every round, exactly as it would against a dispatcher that never applied
// side effects.
type fakeDispatcher struct {
	topic   content.Topic
	cursors *state.CursorStore

	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	msg *Message
	err error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, addr address.Address, raw []byte) (*Message, error) {
	f.calls = append(f.calls, string(raw))
	resp, ok := f.responses[string(raw)]
	if !ok {
		return nil, fakeErr("no canned response for " + string(raw))
	}
	if resp.msg != nil {
		resp.msg.Address = addr
	}
	if resp.err == nil && resp.msg != nil && resp.msg.Header.Publisher != nil {
		f.cursors.Branch(f.topic).SetCursor(resp.msg.Header.Publisher, resp.msg.Header.Sequence)
	}
	return resp.msg, resp.err
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func testBase() address.Address {
	var b address.Address
	b.Base = address.Base([]byte("author"), []byte("root"))
	return b
}

func TestMessagesFetchNextLinearChain(t *testing.T) {
	author, err := identity.NewSignatureIdentity([]byte("author-seed"))
	require.NoError(t, err)
	publisher := author.ToIdentifier()
	topic := content.Topic("root")
	base := testBase()

	cursors := state.NewCursorStore()
	cursors.Branch(topic).SetCursor(publisher, 0)

	tr := transport.NewBucketTransport()
	addr1 := address.New(base.Base, publisher.Bytes(), topic.Bytes(), 1)
	require.NoError(t, tr.Send(context.Background(), addr1, []byte("msg1")))

	disp := &fakeDispatcher{topic: topic, cursors: cursors, responses: map[string]fakeResponse{
		"msg1": {msg: &Message{Header: envelope.HDF{Publisher: publisher, Sequence: 1}, Readable: true}},
	}}

	m := New(base, cursors, tr, disp)
	msg, err := m.FetchNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.True(t, msg.Readable)

	msg, err = m.FetchNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, msg)
}

// TestMessagesOrphanQueuedUntilPredecessorArrives exercises a cross-writer
// link: B's first message links to A's first message (e.g. a branch fork
// or keyload referencing another publisher's latest link), and A's message
// has not arrived yet when B's is first polled.
func TestMessagesOrphanQueuedUntilPredecessorArrives(t *testing.T) {
	authorA, err := identity.NewSignatureIdentity([]byte("writer-a-seed"))
	require.NoError(t, err)
	authorB, err := identity.NewSignatureIdentity([]byte("writer-b-seed"))
	require.NoError(t, err)
	pubA, pubB := authorA.ToIdentifier(), authorB.ToIdentifier()
	topic := content.Topic("root")
	base := testBase()

	cursors := state.NewCursorStore()
	cursors.Branch(topic).SetCursor(pubA, 0)
	cursors.Branch(topic).SetCursor(pubB, 0)

	tr := transport.NewBucketTransport()
	addrA1 := address.New(base.Base, pubA.Bytes(), topic.Bytes(), 1)
	addrB1 := address.New(base.Base, pubB.Bytes(), topic.Bytes(), 1)
	require.NoError(t, tr.Send(context.Background(), addrB1, []byte("msgB1")))

	disp := &fakeDispatcher{topic: topic, cursors: cursors, responses: map[string]fakeResponse{
		"msgB1": {
			msg: &Message{Header: envelope.HDF{Publisher: pubB, Sequence: 1, Linked: addrA1, HasLinked: true}},
			err: protoerr.NewLinkedNotInStore(addrA1.String()),
		},
	}}

	m := New(base, cursors, tr, disp)

	// Only B's message exists, and it is an orphan waiting on A's; the
	// round also polls A's entry and finds nothing, so FetchNext returns
	// caught-up.
	msg, err := m.FetchNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, msg)

	// A's predecessor arrives. B's message stays parked in the orphan
	// queue; only A's dispatch success releases it, so A is always yielded
	// first regardless of which entry the next round happens to poll first.
	require.NoError(t, tr.Send(context.Background(), addrA1, []byte("msgA1")))
	disp.responses["msgA1"] = fakeResponse{msg: &Message{Header: envelope.HDF{Publisher: pubA, Sequence: 1}, Readable: true}}
	disp.responses["msgB1"] = fakeResponse{msg: &Message{Header: envelope.HDF{Publisher: pubB, Sequence: 1, Linked: addrA1, HasLinked: true}, Readable: true}}

	first, err := m.FetchNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, addrA1, first.Address)

	second, err := m.FetchNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, addrB1, second.Address)

	// Caught up: the healed orphan must not be yielded a second time even
	// though its bytes are still on the transport.
	done, err := m.FetchNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, done)
}

func TestMessagesSyncAllAndFetchAll(t *testing.T) {
	author, err := identity.NewSignatureIdentity([]byte("author-seed-3"))
	require.NoError(t, err)
	publisher := author.ToIdentifier()
	topic := content.Topic("root")
	base := testBase()

	tr := transport.NewBucketTransport()
	addr1 := address.New(base.Base, publisher.Bytes(), topic.Bytes(), 1)
	addr2 := address.New(base.Base, publisher.Bytes(), topic.Bytes(), 2)
	require.NoError(t, tr.Send(context.Background(), addr1, []byte("msg1")))
	require.NoError(t, tr.Send(context.Background(), addr2, []byte("msg2")))

	fetchCursors := state.NewCursorStore()
	fetchCursors.Branch(topic).SetCursor(publisher, 0)
	fetchDisp := &fakeDispatcher{topic: topic, cursors: fetchCursors, responses: map[string]fakeResponse{
		"msg1": {msg: &Message{Header: envelope.HDF{Publisher: publisher, Sequence: 1}, Readable: true}},
		"msg2": {msg: &Message{Header: envelope.HDF{Publisher: publisher, Sequence: 2, Linked: addr1, HasLinked: true}, Readable: true}},
	}}

	all, err := New(base, fetchCursors, tr, fetchDisp).FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(1), all[0].Header.Sequence)
	require.Equal(t, uint64(2), all[1].Header.Sequence)

	syncCursors := state.NewCursorStore()
	syncCursors.Branch(topic).SetCursor(publisher, 0)
	syncDisp := &fakeDispatcher{topic: topic, cursors: syncCursors, responses: fetchDisp.responses}

	count, err := New(base, syncCursors, tr, syncDisp).SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
