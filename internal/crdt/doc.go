// Package crdt implements the replicated sequence type that backs a shared
// document. It is an RGA-style CRDT over runes: every insertion is anchored to
// the identifier of its left neighbour at creation time, deletions tombstone,
// and any two replicas that apply the same set of updates (in any order, with
// any number of repeats) converge to identical text.
//
// A Doc is not safe for concurrent use. Callers are expected to serialize
// access per document; the session registry does exactly that.
package crdt

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
)

var (
	// ErrCorruptUpdate is returned when update bytes cannot be decoded. The
	// document is left unchanged; the caller may keep using it.
	ErrCorruptUpdate = errors.New("crdt: corrupt update")

	// ErrCorruptStateVector is returned for undecodable state vector bytes.
	ErrCorruptStateVector = errors.New("crdt: corrupt state vector")

	// ErrBadPosition is returned by InsertAt/DeleteAt for positions outside
	// the visible document.
	ErrBadPosition = errors.New("crdt: position out of range")
)

// Origin tags an update notification with where the change came from, so a
// router can avoid echoing a client's own edit back to it.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ID identifies a single operation. Replica is the creating replica, Seq that
// replica's own contiguous operation counter starting at 1. The zero ID is
// reserved as the document-start anchor.
type ID struct {
	Replica uint64
	Seq     uint64
}

var rootID = ID{}

// less orders concurrent siblings deterministically across replicas.
func (a ID) less(b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Replica < b.Replica
}

type opKind uint8

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

type op struct {
	kind   opKind
	id     ID
	origin ID // insert: left neighbour at creation time
	target ID // delete: item being tombstoned
	value  rune
}

type item struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// Doc is one replica of the shared sequence.
type Doc struct {
	replica  uint64
	localSeq uint64

	items   []item
	index   map[ID]int // item id -> position in items
	applied map[ID]struct{}
	history []op // every applied op, in application order
	pending []op // remote ops waiting for their causal dependency
	visible int

	observers []func(update []byte, origin Origin)
}

// NewDoc creates an empty document with a fresh random replica identity.
func NewDoc() *Doc {
	return NewDocWithReplica(randomReplica())
}

// NewDocWithReplica creates an empty document with an explicit replica
// identity. Replica must be non-zero and unique among collaborating replicas.
func NewDocWithReplica(replica uint64) *Doc {
	return &Doc{
		replica: replica,
		index:   make(map[ID]int),
		applied: make(map[ID]struct{}),
	}
}

// NewDocFromState reconstructs a document from EncodeFullState bytes.
func NewDocFromState(state []byte) (*Doc, error) {
	d := NewDoc()
	if len(state) == 0 {
		return d, nil
	}
	if _, err := d.ApplyUpdate(state, OriginRemote); err != nil {
		return nil, err
	}
	return d, nil
}

func randomReplica() uint64 {
	for {
		r := rand.Uint64()
		if r != 0 {
			return r
		}
	}
}

// Replica returns this replica's identity.
func (d *Doc) Replica() uint64 { return d.replica }

// OnUpdate registers an observer invoked after every batch of newly applied
// operations, with the encoded batch and its origin. Duplicate updates that
// change nothing do not fire.
func (d *Doc) OnUpdate(fn func(update []byte, origin Origin)) {
	d.observers = append(d.observers, fn)
}

func (d *Doc) notify(update []byte, origin Origin) {
	for _, fn := range d.observers {
		fn(update, origin)
	}
}

// ApplyUpdate merges remote update bytes into the document. It is idempotent:
// operations already applied are skipped. Operations whose causal dependency
// (insert origin or delete target) has not arrived yet are buffered and
// integrated once it does. The returned bytes encode exactly the operations
// newly applied by this call (nil if the update contained nothing new);
// decoding failures leave the document untouched.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) ([]byte, error) {
	ops, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}
	applied := d.applyOps(ops)
	if len(applied) == 0 {
		return nil, nil
	}
	b := encodeUpdate(applied)
	d.notify(b, origin)
	return b, nil
}

func (d *Doc) applyOps(ops []op) []op {
	var applied []op
	for _, o := range ops {
		if _, dup := d.applied[o.id]; dup {
			continue
		}
		if d.integrate(o) {
			applied = append(applied, o)
		} else {
			d.pending = append(d.pending, o)
		}
	}
	// Drain the pending buffer until no more ops become integrable.
	for {
		progressed := false
		var rest []op
		for _, o := range d.pending {
			if _, dup := d.applied[o.id]; dup {
				continue
			}
			if d.integrate(o) {
				applied = append(applied, o)
				progressed = true
			} else {
				rest = append(rest, o)
			}
		}
		d.pending = rest
		if !progressed {
			break
		}
	}
	return applied
}

// integrate places one op into the sequence. Returns false if the op's causal
// dependency is missing and it must be buffered.
func (d *Doc) integrate(o op) bool {
	switch o.kind {
	case opInsert:
		originIdx := -1
		if o.origin != rootID {
			idx, ok := d.index[o.origin]
			if !ok {
				return false
			}
			originIdx = idx
		}
		// RGA insertion: walk right of the origin, skipping concurrent
		// siblings with larger IDs and their subtrees, stopping before
		// the first sibling with a smaller ID.
		i := originIdx + 1
		for i < len(d.items) {
			c := d.items[i]
			cOrigin := -1
			if c.origin != rootID {
				cOrigin = d.index[c.origin]
			}
			if cOrigin < originIdx {
				break
			}
			if cOrigin == originIdx && c.id.less(o.id) {
				break
			}
			i++
		}
		d.items = append(d.items, item{})
		copy(d.items[i+1:], d.items[i:])
		d.items[i] = item{id: o.id, origin: o.origin, value: o.value}
		for j := i; j < len(d.items); j++ {
			d.index[d.items[j].id] = j
		}
		d.visible++
	case opDelete:
		idx, ok := d.index[o.target]
		if !ok {
			return false
		}
		if !d.items[idx].deleted {
			d.items[idx].deleted = true
			d.visible--
		}
	}
	d.applied[o.id] = struct{}{}
	d.history = append(d.history, o)
	return true
}

// InsertAt inserts text before visible position pos (0 = document start,
// Len() = append) and returns the encoded update for broadcast.
func (d *Doc) InsertAt(pos int, text string) ([]byte, error) {
	if pos < 0 || pos > d.visible {
		return nil, ErrBadPosition
	}
	if text == "" {
		return nil, nil
	}
	origin := rootID
	if pos > 0 {
		origin = d.items[d.visibleIndex(pos-1)].id
	}
	var ops []op
	for _, r := range text {
		d.localSeq++
		o := op{
			kind:   opInsert,
			id:     ID{Replica: d.replica, Seq: d.localSeq},
			origin: origin,
			value:  r,
		}
		d.integrate(o)
		ops = append(ops, o)
		origin = o.id
	}
	b := encodeUpdate(ops)
	d.notify(b, OriginLocal)
	return b, nil
}

// DeleteAt tombstones n visible runes starting at pos and returns the encoded
// update for broadcast.
func (d *Doc) DeleteAt(pos, n int) ([]byte, error) {
	if pos < 0 || n < 0 || pos+n > d.visible {
		return nil, ErrBadPosition
	}
	if n == 0 {
		return nil, nil
	}
	targets := make([]ID, 0, n)
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen >= pos && seen < pos+n {
			targets = append(targets, it.id)
		}
		seen++
		if seen >= pos+n {
			break
		}
	}
	ops := make([]op, 0, len(targets))
	for _, target := range targets {
		d.localSeq++
		o := op{
			kind:   opDelete,
			id:     ID{Replica: d.replica, Seq: d.localSeq},
			target: target,
		}
		d.integrate(o)
		ops = append(ops, o)
	}
	b := encodeUpdate(ops)
	d.notify(b, OriginLocal)
	return b, nil
}

// visibleIndex maps a visible position to an index into items. The caller
// must have validated pos against the visible length.
func (d *Doc) visibleIndex(pos int) int {
	seen := 0
	for i, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return len(d.items)
}

// Text returns the visible document content.
func (d *Doc) Text() string {
	var b strings.Builder
	b.Grow(d.visible)
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int { return d.visible }

// EncodeFullState produces a self-contained snapshot: applying it to an empty
// document reconstructs this replica's state exactly. The encoding is
// canonical — inserts in document order (an item's origin always precedes it),
// then deletes sorted by ID — so converged replicas produce identical bytes.
func (d *Doc) EncodeFullState() []byte {
	ops := make([]op, 0, len(d.history))
	for _, it := range d.items {
		ops = append(ops, op{kind: opInsert, id: it.id, origin: it.origin, value: it.value})
	}
	var dels []op
	for _, o := range d.history {
		if o.kind == opDelete {
			dels = append(dels, o)
		}
	}
	sort.Slice(dels, func(i, j int) bool { return dels[i].id.less(dels[j].id) })
	return encodeUpdate(append(ops, dels...))
}

// EncodeStateVector summarizes what this replica has seen: for each known
// replica, the highest operation sequence number with no gaps below it.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.stateVector())
}

func (d *Doc) stateVector() map[uint64]uint64 {
	perReplica := make(map[uint64]map[uint64]struct{})
	for id := range d.applied {
		seqs, ok := perReplica[id.Replica]
		if !ok {
			seqs = make(map[uint64]struct{})
			perReplica[id.Replica] = seqs
		}
		seqs[id.Seq] = struct{}{}
	}
	sv := make(map[uint64]uint64, len(perReplica))
	for replica, seqs := range perReplica {
		var max uint64
		for {
			if _, ok := seqs[max+1]; !ok {
				break
			}
			max++
		}
		if max > 0 {
			sv[replica] = max
		}
	}
	return sv
}

// EncodeDiffSince produces the minimal update containing everything this
// document has applied that the given state vector has not seen. Applying the
// result to the replica that produced the vector converges it to this
// document (ops the receiver already holds are skipped by idempotence).
func (d *Doc) EncodeDiffSince(theirStateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(theirStateVector)
	if err != nil {
		return nil, err
	}
	var diff []op
	for _, o := range d.history {
		if o.id.Seq > sv[o.id.Replica] {
			diff = append(diff, o)
		}
	}
	return encodeUpdate(diff), nil
}
