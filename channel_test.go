package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"weave/channel/internal/config"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/transport"
)

func mustIdentity(t *testing.T, seed string) identity.Identity {
	t.Helper()
	id, err := identity.NewSignatureIdentity([]byte(seed))
	require.NoError(t, err)
	return id
}

func mustUser(t *testing.T, id identity.Identity, tr transport.Transport) *User {
	t.Helper()
	u, err := New(config.Options{Identity: id, Transport: tr})
	require.NoError(t, err)
	return u
}

// TestBasicRoundTrip exercises an author publishing an Announcement, a
// subscriber joining and being admitted by Keyload, and that subscriber
// recovering a signed data frame end to end.
func TestBasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "basic-author"), tr)
	sub := mustUser(t, mustIdentity(t, "basic-subscriber"), tr)

	annAddr, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)

	_, err = sub.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)

	subAddr, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	_, err = author.ReceiveMessage(ctx, subAddr)
	require.NoError(t, err)

	_, err = author.SendKeyload(ctx, "base", []content.Permission{
		content.ReadWrite(sub.Identifier(), time.Time{}),
	}, nil)
	require.NoError(t, err)

	spAddr, err := author.SendSignedPacket(ctx, "base", []byte("public"), []byte("secret"))
	require.NoError(t, err)

	msgs, err := sub.FetchNextMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	kl, ok := msgs[0].Content.(*content.Keyload)
	require.True(t, ok)
	require.True(t, msgs[0].Readable)
	require.True(t, kl.HasSessionKey)

	sp, ok := msgs[1].Content.(*content.SignedPacket)
	require.True(t, ok)
	require.True(t, msgs[1].Readable)
	require.Equal(t, spAddr, msgs[1].Address)
	require.Equal(t, []byte("public"), sp.PublicPayload)
	require.Equal(t, []byte("secret"), sp.MaskedPayload)
}

// TestNonRecipientAwareness checks that a subscriber excluded from a
// Keyload still observes the Keyload and the data frame chained from it as
// present, with correct addresses and headers and cursor advance -- just
// with unreadable bodies, since its spongos never folded in the session
// key.
func TestNonRecipientAwareness(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "nr-author"), tr)
	admitted := mustUser(t, mustIdentity(t, "nr-admitted"), tr)
	outsider := mustUser(t, mustIdentity(t, "nr-outsider"), tr)

	annAddr, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)

	_, err = admitted.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)
	admittedSubAddr, err := admitted.Subscribe(ctx)
	require.NoError(t, err)
	_, err = author.ReceiveMessage(ctx, admittedSubAddr)
	require.NoError(t, err)

	_, err = outsider.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)

	_, err = author.SendKeyload(ctx, "base", []content.Permission{
		content.ReadWrite(admitted.Identifier(), time.Time{}),
	}, nil)
	require.NoError(t, err)

	_, err = author.SendSignedPacket(ctx, "base", []byte("public"), []byte("secret"))
	require.NoError(t, err)

	msgs, err := outsider.FetchNextMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, content.TypeKeyload, msgs[0].Header.Type)
	require.False(t, msgs[0].Readable)
	require.Nil(t, msgs[0].Content)

	require.Equal(t, content.TypeSignedPacket, msgs[1].Header.Type)
	require.False(t, msgs[1].Readable)
	require.Nil(t, msgs[1].Content)

	authorID := author.Identifier()
	cursor, ok := outsider.state.Cursors.Branch("base").Cursor(authorID)
	require.True(t, ok)
	require.Equal(t, uint64(3), cursor)
}

// TestOutOfOrderDeliveryHealsViaOrphanQueue admits a second writer into the
// branch and has it publish a packet the author's own next packet links
// to. A third party that only learns of both packets in the same fetch
// round must still yield them in causal (parent-before-child) order,
// regardless of which one the iterator happens to poll first.
func TestOutOfOrderDeliveryHealsViaOrphanQueue(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "ooo-author"), tr)
	writerB := mustUser(t, mustIdentity(t, "ooo-writer-b"), tr)
	observer := mustUser(t, mustIdentity(t, "ooo-observer"), tr)

	annAddr, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)

	_, err = writerB.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)
	writerBSubAddr, err := writerB.Subscribe(ctx)
	require.NoError(t, err)
	_, err = author.ReceiveMessage(ctx, writerBSubAddr)
	require.NoError(t, err)

	_, err = observer.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)
	observerSubAddr, err := observer.Subscribe(ctx)
	require.NoError(t, err)
	_, err = author.ReceiveMessage(ctx, observerSubAddr)
	require.NoError(t, err)

	klAddr, err := author.SendKeyload(ctx, "base", []content.Permission{
		content.ReadWrite(writerB.Identifier(), time.Time{}),
		content.ReadOnly(observer.Identifier()),
	}, nil)
	require.NoError(t, err)

	// observer picks up the keyload now, before either packet exists, so it
	// starts tracking writerB as a branch member.
	observerMsgs, err := observer.FetchNextMessages(ctx)
	require.NoError(t, err)
	require.Len(t, observerMsgs, 1)
	require.Equal(t, klAddr, observerMsgs[0].Address)

	_, err = writerB.ReceiveMessage(ctx, klAddr)
	require.NoError(t, err)
	bPacketAddr, err := writerB.SendSignedPacket(ctx, "base", []byte("from-b"), nil)
	require.NoError(t, err)

	// author must learn of writerB's packet before its own next publish
	// links to it.
	_, err = author.FetchNextMessages(ctx)
	require.NoError(t, err)
	authorPacketAddr, err := author.SendSignedPacket(ctx, "base", []byte("from-author"), nil)
	require.NoError(t, err)

	// Both packets now exist on the transport. observer's iterator may poll
	// the author's entry (linked to writerB's still-unseen packet) before
	// writerB's entry, forcing an orphan-queue heal; the returned order
	// must always place writerB's packet first.
	msgs, err := observer.FetchNextMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, bPacketAddr, msgs[0].Address)
	require.Equal(t, authorPacketAddr, msgs[1].Address)
}

// TestBranchForkSeedsWriterCursors verifies new_branch copies every writer
// known in the parent branch into the child branch at initMessageNum.
func TestBranchForkSeedsWriterCursors(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "fork-author"), tr)

	_, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)
	_, err = author.SendSignedPacket(ctx, "base", []byte("one"), nil)
	require.NoError(t, err)
	_, err = author.SendSignedPacket(ctx, "base", []byte("two"), nil)
	require.NoError(t, err)

	_, err = author.NewBranch(ctx, "base", "sub")
	require.NoError(t, err)

	authorID := author.Identifier()
	subBranch := author.state.Cursors.Branch("sub")
	cursor, ok := subBranch.Cursor(authorID)
	require.True(t, ok)
	require.Equal(t, initMessageNum, cursor)

	perm, ok := subBranch.Permission(authorID)
	require.True(t, ok)
	require.True(t, perm.IsAdmin())
}

// TestBackupRestoreRoundTrip checks that a backup blob restores to
// equivalent state under the correct password, and fails closed under the
// wrong one.
func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "backup-author"), tr)
	streamAddr, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)
	_, err = author.SendSignedPacket(ctx, "base", []byte("payload"), nil)
	require.NoError(t, err)

	data, err := author.Backup("hunter2")
	require.NoError(t, err)

	restored, err := Restore(data, "hunter2", config.Options{Transport: tr})
	require.NoError(t, err)

	restoredAddr, ok := restored.StreamAddress()
	require.True(t, ok)
	require.Equal(t, streamAddr, restoredAddr)

	authorID := author.Identifier()
	origCursor, ok := author.state.Cursors.Branch("base").Cursor(authorID)
	require.True(t, ok)
	restoredCursor, ok := restored.state.Cursors.Branch("base").Cursor(authorID)
	require.True(t, ok)
	require.Equal(t, origCursor, restoredCursor)

	_, err = Restore(data, "hunter3", config.Options{Transport: tr})
	require.Error(t, err)
	require.True(t, errors.Is(err, ddml.ErrBadMac))
}

// TestPSKOnlyRecipientReadsTaggedPacket admits a participant that holds no
// signature identity at all, only a pre-shared key, and checks it still
// recovers the session key from a Keyload addressed to that PSK and reads a
// tagged data frame masked under it.
func TestPSKOnlyRecipientReadsTaggedPacket(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	psk := identity.NewPSKIdentity("team-psk")

	author := mustUser(t, mustIdentity(t, "psk-author"), tr)
	author.TrustPSK(psk.ID, psk.Key)

	observer := mustUser(t, nil, tr)
	observer.TrustPSK(psk.ID, psk.Key)

	annAddr, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)
	_, err = observer.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)

	_, err = author.SendKeyload(ctx, "base", nil, [][identity.PSKIDSize]byte{psk.ID})
	require.NoError(t, err)
	_, err = author.SendTaggedPacket(ctx, "base", []byte("public"), []byte("secret"))
	require.NoError(t, err)

	msgs, err := observer.FetchNextMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	kl, ok := msgs[0].Content.(*content.Keyload)
	require.True(t, ok)
	require.True(t, kl.HasSessionKey)

	tp, ok := msgs[1].Content.(*content.TaggedPacket)
	require.True(t, ok)
	require.True(t, msgs[1].Readable)
	require.Equal(t, []byte("secret"), tp.MaskedPayload)
}

// TestUnsubscribeRemovesSubscriberState verifies the author drops an
// unsubscribed member's exchange key and branch cursors upon processing the
// Unsubscription.
func TestUnsubscribeRemovesSubscriberState(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "unsub-author"), tr)
	sub := mustUser(t, mustIdentity(t, "unsub-subscriber"), tr)

	annAddr, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)
	_, err = sub.ReceiveMessage(ctx, annAddr)
	require.NoError(t, err)

	subAddr, err := sub.Subscribe(ctx)
	require.NoError(t, err)
	_, err = author.ReceiveMessage(ctx, subAddr)
	require.NoError(t, err)

	subID := sub.Identifier()
	_, ok := author.state.ExchangeKeys.Get(subID)
	require.True(t, ok)

	unsubAddr, err := sub.Unsubscribe(ctx)
	require.NoError(t, err)
	_, err = author.ReceiveMessage(ctx, unsubAddr)
	require.NoError(t, err)

	_, ok = author.state.ExchangeKeys.Get(subID)
	require.False(t, ok)
	_, ok = author.state.Cursors.Branch("base").Cursor(subID)
	require.False(t, ok)
}

// TestCreateStreamIdempotentDuplicate checks that the same user announcing
// the same topic twice is reported as the idempotent duplicate it is, not
// an address conflict with a foreign message.
func TestCreateStreamIdempotentDuplicate(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()

	author := mustUser(t, mustIdentity(t, "dup-author"), tr)
	_, err := author.CreateStream(ctx, "base")
	require.NoError(t, err)

	_, err = author.CreateStream(ctx, "base")
	require.Error(t, err)
	var target *protoerr.TopicAlreadyUsedError
	require.True(t, errors.As(err, &target))
}

// TestCreateStreamAddressCollision checks that re-announcing the same
// identity/topic pair onto an already-occupied address fails rather than
// silently overwriting the existing announcement.
func TestCreateStreamAddressCollision(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewBucketTransport()
	id := mustIdentity(t, "collision-author")

	first := mustUser(t, id, tr)
	_, err := first.CreateStream(ctx, "base")
	require.NoError(t, err)

	second := mustUser(t, id, tr)
	_, err = second.CreateStream(ctx, "base")
	require.Error(t, err)

	var target *protoerr.AddressTakenError
	require.True(t, errors.As(err, &target))
}
