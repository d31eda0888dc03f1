// Package state holds the per-user data model: cursor tracking per branch,
// the sponge arena keyed by relative address, the exchange-key store, and
// the pre-shared-key store. These are the fields backup/restore
// (internal/backup) persists in full.
package state

import (
	"weave/channel/internal/address"
	"weave/channel/internal/content"
	"weave/channel/internal/identity"
	"weave/channel/internal/sponge"
)

// BranchCursors is the per-branch membership table: the most recently
// committed message in the branch plus a monotonic cursor per writer
// identifier.
type BranchCursors struct {
	// LatestLink is the relative address of the most recently committed
	// announcement/branch-announcement/keyload/signed/tagged message in
	// this branch. Subscription/Unsubscription never update it.
	LatestLink address.Address
	HasLatest  bool
	// Cursors maps a writer's identifier bytes (see IdentifierKey) to its
	// monotonically nondecreasing sequence number in this branch.
	Cursors map[string]uint64
	// Permissions maps the same identifier key to the permission it was
	// most recently granted under a keyload for this branch.
	Permissions map[string]content.Permission
	// identifiers recovers the Identifier behind a Cursors/Permissions key,
	// so the Messages iterator can recompute addresses for every known
	// writer without the caller re-supplying identities.
	identifiers map[string]identity.Identifier
}

func newBranchCursors() *BranchCursors {
	return &BranchCursors{
		Cursors:     make(map[string]uint64),
		Permissions: make(map[string]content.Permission),
		identifiers: make(map[string]identity.Identifier),
	}
}

// CursorStore is topic -> BranchCursors.
type CursorStore struct {
	branches map[content.Topic]*BranchCursors
}

// NewCursorStore returns an empty cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{branches: make(map[content.Topic]*BranchCursors)}
}

// Branch returns the branch cursors for t, creating an empty entry if one
// does not yet exist.
func (c *CursorStore) Branch(t content.Topic) *BranchCursors {
	b, ok := c.branches[t]
	if !ok {
		b = newBranchCursors()
		c.branches[t] = b
	}
	return b
}

// HasBranch reports whether t has ever been seeded.
func (c *CursorStore) HasBranch(t content.Topic) bool {
	_, ok := c.branches[t]
	return ok
}

// Topics returns every branch topic currently tracked; order is not
// guaranteed (callers that need determinism should sort).
func (c *CursorStore) Topics() []content.Topic {
	out := make([]content.Topic, 0, len(c.branches))
	for t := range c.branches {
		out = append(out, t)
	}
	return out
}

// IdentifierKey returns the stable map key used for an identifier across
// CursorStore/ExchangeKeyStore entries.
func IdentifierKey(id identity.Identifier) string {
	return string([]byte{byte(id.Tag())}) + string(id.Bytes())
}

// Cursor returns the current cursor for id in this branch and whether the
// identifier holds one at all.
func (b *BranchCursors) Cursor(id identity.Identifier) (uint64, bool) {
	v, ok := b.Cursors[IdentifierKey(id)]
	return v, ok
}

// SetCursor assigns id's cursor in this branch (callers
// must never move it backwards; enforced by the engine, not this store).
func (b *BranchCursors) SetCursor(id identity.Identifier, cursor uint64) {
	key := IdentifierKey(id)
	b.Cursors[key] = cursor
	b.identifiers[key] = id
}

// SetPermission records the permission most recently granted to id by a
// keyload in this branch.
func (b *BranchCursors) SetPermission(id identity.Identifier, p content.Permission) {
	b.Permissions[IdentifierKey(id)] = p
}

// Permission returns the permission on record for id in this branch.
func (b *BranchCursors) Permission(id identity.Identifier) (content.Permission, bool) {
	p, ok := b.Permissions[IdentifierKey(id)]
	return p, ok
}

// SetLatestLink records addr as the most recently committed message in
// this branch.
func (b *BranchCursors) SetLatestLink(addr address.Address) {
	b.LatestLink = addr
	b.HasLatest = true
}

// DeleteWriter removes id's cursor and permission from this branch, the
// local bookkeeping side of an Unsubscription.
func (b *BranchCursors) DeleteWriter(id identity.Identifier) {
	key := IdentifierKey(id)
	delete(b.Cursors, key)
	delete(b.Permissions, key)
	delete(b.identifiers, key)
}

// Writers returns every identifier key currently holding a cursor in this
// branch.
func (b *BranchCursors) Writers() []string {
	out := make([]string, 0, len(b.Cursors))
	for k := range b.Cursors {
		out = append(out, k)
	}
	return out
}

// WriterIdentifiers returns every Identifier currently holding a cursor in
// this branch, recovered from the identifiers recorded by SetCursor.
func (b *BranchCursors) WriterIdentifiers() []identity.Identifier {
	out := make([]identity.Identifier, 0, len(b.identifiers))
	for _, id := range b.identifiers {
		out = append(out, id)
	}
	return out
}

// SpongosStore is relative-address -> post-commit sponge state (the
// spongos_store). Sponges are arena-owned value copies; Put always stores
// a defensive Fork so later mutation by the caller's own in-flight context
// cannot alias a stored entry.
type SpongosStore struct {
	byAddress map[[address.RelativeSize]byte]*sponge.Sponge
}

// NewSpongosStore returns an empty spongos arena.
func NewSpongosStore() *SpongosStore {
	return &SpongosStore{byAddress: make(map[[address.RelativeSize]byte]*sponge.Sponge)}
}

// Put stores a fork of s keyed by addr's relative id.
func (st *SpongosStore) Put(addr address.Address, s *sponge.Sponge) {
	st.byAddress[addr.Relative] = s.Fork()
}

// Get returns a fork of the sponge stored at addr, so callers may mutate
// their copy freely without corrupting the arena ("clones are
// explicit, never aliasing").
func (st *SpongosStore) Get(addr address.Address) (*sponge.Sponge, bool) {
	s, ok := st.byAddress[addr.Relative]
	if !ok {
		return nil, false
	}
	return s.Fork(), true
}

// Has reports whether addr's sponge is present without forking it.
func (st *SpongosStore) Has(addr address.Address) bool {
	_, ok := st.byAddress[addr.Relative]
	return ok
}

// Len returns the number of stored sponges.
func (st *SpongosStore) Len() int { return len(st.byAddress) }

// Entries returns every (relative address, sponge) pair, for backup
// serialization. The returned sponges are forks, safe to wrap without
// mutating the arena.
func (st *SpongosStore) Entries() []SpongosEntry {
	out := make([]SpongosEntry, 0, len(st.byAddress))
	for rel, s := range st.byAddress {
		out = append(out, SpongosEntry{Relative: rel, Sponge: s.Fork()})
	}
	return out
}

// SpongosEntry is one arena entry, used by backup serialization.
type SpongosEntry struct {
	Relative [address.RelativeSize]byte
	Sponge   *sponge.Sponge
}

// PutRelative stores s (already a value the caller is done mutating)
// directly keyed by a relative address, used by backup restore.
func (st *SpongosStore) PutRelative(rel [address.RelativeSize]byte, s *sponge.Sponge) {
	st.byAddress[rel] = s
}

// ExchangeKeyStore is identifier -> static X25519 public key (the
// exchange_keys), populated when an Announcement or Subscription is
// unwrapped.
type ExchangeKeyStore struct {
	keys map[string][32]byte
}

// NewExchangeKeyStore returns an empty exchange-key store.
func NewExchangeKeyStore() *ExchangeKeyStore {
	return &ExchangeKeyStore{keys: make(map[string][32]byte)}
}

// Put records id's static DH public key.
func (e *ExchangeKeyStore) Put(id identity.Identifier, pk [32]byte) {
	e.keys[IdentifierKey(id)] = pk
}

// Get returns id's static DH public key, if known.
func (e *ExchangeKeyStore) Get(id identity.Identifier) ([32]byte, bool) {
	pk, ok := e.keys[IdentifierKey(id)]
	return pk, ok
}

// Delete removes id's exchange key upon an Unsubscription.
func (e *ExchangeKeyStore) Delete(id identity.Identifier) {
	delete(e.keys, IdentifierKey(id))
}

// Entries exposes every stored key-identifier key (opaque string) to its
// public key, for backup serialization.
func (e *ExchangeKeyStore) Entries() map[string][32]byte { return e.keys }

// PutRaw inserts a raw identifier-key -> public-key pair, used by backup
// restore where the identifier itself isn't reconstructed separately.
func (e *ExchangeKeyStore) PutRaw(key string, pk [32]byte) { e.keys[key] = pk }

// PSKStore is PskId -> pre-shared key.
type PSKStore struct {
	keys map[[identity.PSKIDSize]byte][identity.PSKSize]byte
}

// NewPSKStore returns an empty PSK store.
func NewPSKStore() *PSKStore {
	return &PSKStore{keys: make(map[[identity.PSKIDSize]byte][identity.PSKSize]byte)}
}

// Put records a pre-shared key under its id.
func (p *PSKStore) Put(id [identity.PSKIDSize]byte, key [identity.PSKSize]byte) {
	p.keys[id] = key
}

// Get returns the pre-shared key for id, if held locally.
func (p *PSKStore) Get(id [identity.PSKIDSize]byte) ([identity.PSKSize]byte, bool) {
	k, ok := p.keys[id]
	return k, ok
}

// Entries exposes every (id, key) pair for backup serialization.
func (p *PSKStore) Entries() map[[identity.PSKIDSize]byte][identity.PSKSize]byte { return p.keys }

// State is the complete per-user persisted state, everything a backup
// blob carries.
type State struct {
	Identity         identity.Identity
	StreamAddress    address.Address
	HasStream        bool
	AuthorIdentifier identity.Identifier
	BaseTopic        content.Topic

	Cursors      *CursorStore
	Spongos      *SpongosStore
	ExchangeKeys *ExchangeKeyStore
	PSKs         *PSKStore
}

// New returns a fresh, unbound state (no stream, no identity).
func New() *State {
	return &State{
		Cursors:      NewCursorStore(),
		Spongos:      NewSpongosStore(),
		ExchangeKeys: NewExchangeKeyStore(),
		PSKs:         NewPSKStore(),
	}
}
