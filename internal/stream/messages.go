// Package stream implements the pull-based Messages iterator: a
// topologically ordered, out-of-order-tolerant traversal over an untrusted
// transport, polling every tracked (publisher, cursor) pair for its next
// derived address and parking messages whose linked predecessor has not
// arrived yet in an orphan queue keyed by that predecessor's address.
package stream

import (
	"context"
	"fmt"
	"sync"

	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/envelope"
	"weave/channel/internal/identity"
	"weave/channel/internal/protoerr"
	"weave/channel/internal/state"
	"weave/channel/internal/transport"
)

// Message is one successfully or partially unwrapped entry yielded by the
// iterator. Content is nil and Readable is false when the receiver could
// not authenticate the body (it never recovered the branch's session key);
// Header and Address are always populated.
type Message struct {
	Address  address.Address
	Header   envelope.HDF
	Content  content.Content
	Readable bool
}

// Dispatcher unwraps and applies one raw message, mutating whatever engine
// state (cursors, spongos store, permissions) that requires. Implemented
// by the channel package's user engine; kept as an interface here so this
// package never imports it back (the engine composes Messages, not the
// reverse).
//
// When the message's linked predecessor is not yet locally known,
// Dispatch returns a message populated with at least Address and Header
// alongside an error satisfying protoerr.IsOrphan, so the iterator can
// queue it by the predecessor's relative address.
type Dispatcher interface {
	Dispatch(ctx context.Context, addr address.Address, raw []byte) (*Message, error)
}

type cursorEntry struct {
	topic     content.Topic
	publisher identity.Identifier
	cursor    uint64
}

type queuedRaw struct {
	addr address.Address
	raw  []byte
}

// Messages is the per-user traversal iterator. It is not safe for
// concurrent use by multiple goroutines, though its internal mutex guards
// against accidental reentrant calls from the same caller.
type Messages struct {
	mu sync.Mutex

	base       address.Address
	cursors    *state.CursorStore
	transport  transport.Transport
	dispatcher Dispatcher

	idsStack        []cursorEntry
	msgQueue        map[[address.RelativeSize]byte][]queuedRaw
	stage           []queuedRaw
	successfulRound bool
	// pending marks addresses currently parked in msgQueue awaiting a
	// predecessor, so a later polling round re-fetching the same address
	// from the transport does not stage a duplicate copy.
	pending map[[address.RelativeSize]byte]bool
}

// New constructs a Messages iterator over the given channel base address,
// cursor store, and transport, dispatching unwrapped raw messages through
// dispatcher.
func New(base address.Address, cursors *state.CursorStore, tr transport.Transport, dispatcher Dispatcher) *Messages {
	return &Messages{
		base:       base,
		cursors:    cursors,
		transport:  tr,
		dispatcher: dispatcher,
		msgQueue:   make(map[[address.RelativeSize]byte][]queuedRaw),
		pending:    make(map[[address.RelativeSize]byte]bool),
	}
}

// FetchNext yields the next message in DAG-consistent order, or (nil, nil)
// when the channel is caught up.
func (m *Messages) FetchNext(ctx context.Context) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next(ctx)
}

func (m *Messages) next(ctx context.Context) (*Message, error) {
	// startedFreshRound bounds this call to at most one ids_stack
	// snapshot: a writer whose next message is a perpetually unresolved
	// orphan would otherwise be rediscovered and requeued every round
	// forever, since its cursor in state never advances and the transport
	// never forgets it. One snapshot per call only changes when "caught
	// up" is reported, not what is yielded.
	startedFreshRound := false

	for {
		//1.- Drain the stage first: dispatch the oldest fetched message,
		// parking it under its predecessor if that is still missing.
		if len(m.stage) > 0 {
			qr := m.stage[0]
			m.stage = m.stage[1:]

			msg, err := m.dispatcher.Dispatch(ctx, qr.addr, qr.raw)
			if err != nil {
				if protoerr.IsOrphan(err) && msg != nil {
					m.msgQueue[msg.Header.Linked.Relative] = append(m.msgQueue[msg.Header.Linked.Relative], qr)
					m.pending[qr.addr.Relative] = true
					continue
				}
				// Any other unwrap error: skip and continue the loop.
				delete(m.pending, qr.addr.Relative)
				continue
			}
			delete(m.pending, qr.addr.Relative)

			//2.- Release any orphans that were waiting on this message
			// before yielding it, so they dispatch next.
			children := m.msgQueue[qr.addr.Relative]
			delete(m.msgQueue, qr.addr.Relative)
			m.stage = append(m.stage, children...)

			return msg, nil
		}

		//3.- With the stage empty, start a polling round: snapshot every
		// tracked (topic, writer, cursor) once per call.
		if len(m.idsStack) == 0 {
			if startedFreshRound {
				return nil, nil
			}
			m.idsStack = m.snapshotCursors()
			m.successfulRound = false
			startedFreshRound = true
			if len(m.idsStack) == 0 {
				return nil, nil
			}
		}

		//4.- Poll the next tracked writer's derived address for new bytes.
		entry := m.idsStack[len(m.idsStack)-1]
		m.idsStack = m.idsStack[:len(m.idsStack)-1]

		// Re-read the writer's cursor at poll time: dispatching an earlier
		// staged message this call may have advanced it past the snapshot
		// value, and polling the stale address would re-fetch (and re-yield)
		// a message already consumed.
		cursor, ok := m.cursors.Branch(entry.topic).Cursor(entry.publisher)
		if !ok {
			continue
		}
		if cursor < entry.cursor {
			cursor = entry.cursor
		}

		nextAddr := address.New(m.base.Base, entry.publisher.Bytes(), entry.topic.Bytes(), cursor+1)
		if m.pending[nextAddr.Relative] {
			// Already parked as an orphan; only its predecessor's arrival,
			// not another fetch of the same bytes, can make progress.
			continue
		}
		raws, err := m.transport.Recv(ctx, nextAddr)
		if err != nil {
			return nil, fmt.Errorf("stream: recv %s: %w", nextAddr.String(), err)
		}

		if len(raws) > 0 {
			for _, raw := range raws {
				m.stage = append(m.stage, queuedRaw{addr: nextAddr, raw: raw})
			}
			m.successfulRound = true
			continue
		}

		//5.- An exhausted round that fetched nothing means caught up.
		if len(m.idsStack) == 0 && !m.successfulRound {
			return nil, nil
		}
	}
}

// snapshotCursors captures every (topic, writer, cursor) currently tracked,
// the start of a fresh polling round.
func (m *Messages) snapshotCursors() []cursorEntry {
	var out []cursorEntry
	for _, topic := range m.cursors.Topics() {
		branch := m.cursors.Branch(topic)
		for _, id := range branch.WriterIdentifiers() {
			cursor, _ := branch.Cursor(id)
			out = append(out, cursorEntry{topic: topic, publisher: id, cursor: cursor})
		}
	}
	return out
}

// SyncAll drives FetchNext to exhaustion, returning the number of messages
// consumed.
func (m *Messages) SyncAll(ctx context.Context) (int, error) {
	count := 0
	for {
		msg, err := m.FetchNext(ctx)
		if err != nil {
			return count, err
		}
		if msg == nil {
			return count, nil
		}
		count++
	}
}

// FetchAll drives FetchNext to exhaustion, returning every message
// consumed.
func (m *Messages) FetchAll(ctx context.Context) ([]*Message, error) {
	var out []*Message
	for {
		msg, err := m.FetchNext(ctx)
		if err != nil {
			return out, err
		}
		if msg == nil {
			return out, nil
		}
		out = append(out, msg)
	}
}
