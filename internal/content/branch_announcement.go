package content

import (
	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
)

// BranchAnnouncement creates a child topic chained from the parent
// branch's latest link. The publisher must be the author or an admin of
// the parent branch (enforced by the caller, not this type).
type BranchAnnouncement struct {
	NewTopic            Topic
	PublisherIdentifier identity.Identifier
}

func (BranchAnnouncement) Type() HeaderType { return TypeBranchAnnouncement }

// Encode runs: absorb(new_topic); commit; sign(publisher).
func (b *BranchAnnouncement) Encode(ctx ddml.Context, publisher identity.Identity) error {
	topicBytes := b.NewTopic.Bytes()
	if err := ctx.AbsorbBytes(&topicBytes); err != nil {
		return err
	}
	ctx.Commit()
	return ctx.Sign(publisher)
}

// Decode is the dual unwrap pipeline; publisher is supplied by the caller
// (resolved from the header's publisher identifier) since the content
// itself does not carry a full verifying key.
func (b *BranchAnnouncement) Decode(ctx ddml.Context, publisher identity.Identifier) error {
	var topicBytes []byte
	if err := ctx.AbsorbBytes(&topicBytes); err != nil {
		return err
	}
	ctx.Commit()
	if err := ctx.Verify(publisher); err != nil {
		return err
	}
	b.NewTopic = Topic(topicBytes)
	b.PublisherIdentifier = publisher
	return nil
}
