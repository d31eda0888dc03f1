// Package envelope implements the message envelope: the cleartext header
// (HDF) plus payload container frame (PCF) prefix, and the wrap/unwrap
// pipeline that chains each message's sponge from its linked predecessor.
package envelope

import (
	"bytes"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/ddml"
	"weave/channel/internal/identity"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/sponge"
)

// ProtocolMagic and ProtocolVersion identify the wire format.
const (
	ProtocolMagic   byte = 0x57 // 'W'
	ProtocolVersion byte = 1
)

// FrameType is the PCF's one-byte frame marker. This module never splits a
// content across multiple messages, so every message is emitted as a
// single FrameInit/FrameFinal frame; the field is carried faithfully so a
// future chunking extension can reuse the same header shape.
type FrameType uint8

const (
	FrameInit  FrameType = 0
	FrameInter FrameType = 1
	FrameFinal FrameType = 2
)

// HDF is the cleartext header prefix of every message.
type HDF struct {
	Type      content.HeaderType
	Frame     FrameType
	FrameNum  uint32 // 22-bit value; top 10 bits must be zero
	Publisher identity.Identifier
	Topic     content.Topic
	Sequence  uint64
	Linked    address.Address
	HasLinked bool
}

// Wrap runs the envelope pipeline: fresh sponge, absorb HDF, commit, join
// the linked sponge (if any), run encodeContent against the same context,
// commit, squeeze the trailing MAC. A SizeOf pass runs first so the
// returned buffer is allocated to the exact size Wrap will emit.
func Wrap(hdf HDF, linked *sponge.Sponge, encodeContent func(ddml.Context) error) ([]byte, *sponge.Sponge, error) {
	//1.- Run a size-only pass so the output buffer is allocated to the
	// exact length the wrap pass will emit.
	sz := ddml.NewSizeOf()
	if err := writeHDF(sz, hdf); err != nil {
		return nil, nil, err
	}
	sz.Commit()
	sz.Join(nil)
	if err := encodeContent(sz); err != nil {
		return nil, nil, err
	}
	sz.Commit()
	if err := sz.SqueezeMAC(); err != nil {
		return nil, nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, sz.Size()))
	spg := sponge.New()
	w := ddml.NewWrap(buf, spg)

	//2.- Absorb the cleartext header into a fresh sponge and commit.
	if err := writeHDF(w, hdf); err != nil {
		return nil, nil, err
	}
	w.Commit()
	//3.- Join the linked predecessor's sponge so unwrapping this message
	// requires holding that state.
	if linked != nil {
		w.Join(linked)
	}
	//4.- Run the content-type stanza against the same context.
	if err := encodeContent(w); err != nil {
		return nil, nil, err
	}
	//5.- Seal the frame with a commit and the trailing MAC.
	w.Commit()
	if err := w.SqueezeMAC(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), spg, nil
}

// Unwrap parses raw's header, resolves the linked sponge via lookupLinked
// (skipped for an announcement, which carries none), then hands control to
// decodeContent to run the content-type-specific unwrap against the same
// context before the trailing MAC is verified. Returns the parsed header
// and the post-commit sponge to store against this message's own address.
//
// If the header references a linked message lookupLinked cannot resolve,
// Unwrap returns a *protoerr.LinkedNotInStoreError alongside the parsed
// header so the caller (the Messages iterator) can queue the raw bytes as
// an orphan rather than discarding them. When the body itself fails its
// integrity check the parsed header and the (diverged) sponge are returned
// alongside the error: the engine decides whether such a message is still
// protocol-visible.
func Unwrap(raw []byte, lookupLinked func(addr address.Address) (*sponge.Sponge, bool), decodeContent func(ctx *ddml.Unwrap, hdf HDF) error) (HDF, *sponge.Sponge, error) {
	r := bytes.NewReader(raw)
	spg := sponge.New()
	u := ddml.NewUnwrap(r, spg)

	//1.- Parse and absorb the cleartext header into a fresh sponge.
	hdf, err := readHDF(u)
	if err != nil {
		return hdf, nil, err
	}
	u.Commit()

	//2.- Resolve and join the linked predecessor's sponge, or report the
	// message as an orphan for the iterator to park.
	if hdf.HasLinked {
		linked, ok := lookupLinked(hdf.Linked)
		if !ok {
			return hdf, nil, protoerr.NewLinkedNotInStore(hdf.Linked.String())
		}
		u.Join(linked)
	}

	//3.- Run the content-type stanza, then verify the trailing frame MAC.
	if err := decodeContent(u, hdf); err != nil {
		return hdf, spg, err
	}
	u.Commit()
	if err := u.SqueezeMAC(); err != nil {
		return hdf, spg, err
	}
	return hdf, spg, nil
}

func writeHDF(ctx ddml.Context, hdf HDF) error {
	magic := ProtocolMagic
	if err := ctx.AbsorbUint8(&magic); err != nil {
		return err
	}
	version := ProtocolVersion
	if err := ctx.AbsorbUint8(&version); err != nil {
		return err
	}
	msgType := uint8(hdf.Type)
	if err := ctx.AbsorbUint8(&msgType); err != nil {
		return err
	}
	frame := uint8(hdf.Frame)
	if err := ctx.AbsorbUint8(&frame); err != nil {
		return err
	}
	frameNumBytes := encodeFrameNum(hdf.FrameNum)
	if err := ctx.AbsorbNBytes(frameNumBytes); err != nil {
		return err
	}

	tag := uint8(hdf.Publisher.Tag())
	if err := ctx.AbsorbUint8(&tag); err != nil {
		return err
	}
	pubBytes := hdf.Publisher.Bytes()
	if err := ctx.AbsorbBytes(&pubBytes); err != nil {
		return err
	}

	topicBytes := hdf.Topic.Bytes()
	if err := ctx.AbsorbBytes(&topicBytes); err != nil {
		return err
	}

	seq := hdf.Sequence
	if err := ctx.AbsorbFixedUint64(&seq); err != nil {
		return err
	}

	hasLinked := uint8(0)
	if hdf.HasLinked {
		hasLinked = 1
	}
	if err := ctx.AbsorbUint8(&hasLinked); err != nil {
		return err
	}
	if hdf.HasLinked {
		linked := hdf.Linked.Relative
		if err := ctx.AbsorbNBytes(linked[:]); err != nil {
			return err
		}
	}
	return nil
}

func readHDF(ctx ddml.Context) (HDF, error) {
	var hdf HDF

	var magic, version, msgType, frame, tag, hasLinked uint8
	if err := ctx.AbsorbUint8(&magic); err != nil {
		return hdf, err
	}
	if err := ctx.Guard(magic == ProtocolMagic, protoerr.NewUnwrapError("header", "", errUnexpectedMagic)); err != nil {
		return hdf, err
	}
	if err := ctx.AbsorbUint8(&version); err != nil {
		return hdf, err
	}
	if err := ctx.AbsorbUint8(&msgType); err != nil {
		return hdf, err
	}
	if err := ctx.AbsorbUint8(&frame); err != nil {
		return hdf, err
	}
	frameNumBytes := make([]byte, 3)
	if err := ctx.AbsorbNBytes(frameNumBytes); err != nil {
		return hdf, err
	}

	if err := ctx.AbsorbUint8(&tag); err != nil {
		return hdf, err
	}
	var pubBytes []byte
	if err := ctx.AbsorbBytes(&pubBytes); err != nil {
		return hdf, err
	}
	publisher, err := content.IdentifierFromWire(identity.IdentifierTag(tag), pubBytes)
	if err != nil {
		return hdf, protoerr.NewUnwrapError("header.publisher", "", err)
	}

	var topicBytes []byte
	if err := ctx.AbsorbBytes(&topicBytes); err != nil {
		return hdf, err
	}

	var seq uint64
	if err := ctx.AbsorbFixedUint64(&seq); err != nil {
		return hdf, err
	}

	if err := ctx.AbsorbUint8(&hasLinked); err != nil {
		return hdf, err
	}
	var linked address.Address
	if hasLinked == 1 {
		var rel [address.RelativeSize]byte
		if err := ctx.AbsorbNBytes(rel[:]); err != nil {
			return hdf, err
		}
		linked.Relative = rel
	}

	hdf = HDF{
		Type:      content.HeaderType(msgType),
		Frame:     FrameType(frame),
		FrameNum:  decodeFrameNum(frameNumBytes),
		Publisher: publisher,
		Topic:     content.Topic(topicBytes),
		Sequence:  seq,
		Linked:    linked,
		HasLinked: hasLinked == 1,
	}
	return hdf, nil
}

func encodeFrameNum(n uint32) []byte {
	n &= 0x3FFFFF // clamp to 22 bits
	return []byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

func decodeFrameNum(b []byte) uint32 {
	return (uint32(b[0]) << 16) | (uint32(b[1]) << 8) | uint32(b[2])
}

var errUnexpectedMagic = unexpectedMagicError{}

type unexpectedMagicError struct{}

func (unexpectedMagicError) Error() string { return "unexpected protocol magic byte" }
