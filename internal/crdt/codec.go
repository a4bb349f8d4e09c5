package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/multiformats/go-varint"
)

// Wire layout. Updates and state vectors each start with a one-byte tag so a
// truncated or misrouted payload fails decoding instead of silently merging.
//
//	update:       0x01 | uvarint opCount | op...
//	insert op:    0x01 | replica | seq | originReplica | originSeq | rune
//	delete op:    0x02 | replica | seq | targetReplica | targetSeq
//	state vector: 0x02 | uvarint entryCount | (replica | seq)...
//
// All integers are unsigned varints.
const (
	tagUpdate      = 0x01
	tagStateVector = 0x02
)

// minOpSize bounds allocation before decoding: kind byte plus at least four
// single-byte varints.
const minOpSize = 5

func appendUvarint(b []byte, v uint64) []byte {
	return append(b, varint.ToUvarint(v)...)
}

func encodeUpdate(ops []op) []byte {
	b := []byte{tagUpdate}
	b = appendUvarint(b, uint64(len(ops)))
	for _, o := range ops {
		b = append(b, byte(o.kind))
		b = appendUvarint(b, o.id.Replica)
		b = appendUvarint(b, o.id.Seq)
		switch o.kind {
		case opInsert:
			b = appendUvarint(b, o.origin.Replica)
			b = appendUvarint(b, o.origin.Seq)
			b = appendUvarint(b, uint64(uint32(o.value)))
		case opDelete:
			b = appendUvarint(b, o.target.Replica)
			b = appendUvarint(b, o.target.Seq)
		}
	}
	return b
}

func decodeUpdate(update []byte) ([]op, error) {
	if len(update) == 0 || update[0] != tagUpdate {
		return nil, fmt.Errorf("%w: bad tag", ErrCorruptUpdate)
	}
	r := bytes.NewReader(update[1:])
	count, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrCorruptUpdate, err)
	}
	if count > uint64(r.Len())/minOpSize+1 {
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrCorruptUpdate, count)
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		o, err := decodeOp(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptUpdate, r.Len())
	}
	return ops, nil
}

func decodeOp(r *bytes.Reader) (op, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return op{}, fmt.Errorf("%w: truncated op", ErrCorruptUpdate)
	}
	kind := opKind(kindByte)
	if kind != opInsert && kind != opDelete {
		return op{}, fmt.Errorf("%w: unknown op kind %d", ErrCorruptUpdate, kindByte)
	}
	id, err := decodeID(r)
	if err != nil {
		return op{}, err
	}
	if id == rootID || id.Replica == 0 || id.Seq == 0 {
		return op{}, fmt.Errorf("%w: reserved op id", ErrCorruptUpdate)
	}
	o := op{kind: kind, id: id}
	switch kind {
	case opInsert:
		o.origin, err = decodeID(r)
		if err != nil {
			return op{}, err
		}
		v, err := varint.ReadUvarint(r)
		if err != nil {
			return op{}, fmt.Errorf("%w: truncated rune", ErrCorruptUpdate)
		}
		if v > utf8.MaxRune || !utf8.ValidRune(rune(v)) {
			return op{}, fmt.Errorf("%w: invalid rune %#x", ErrCorruptUpdate, v)
		}
		o.value = rune(v)
	case opDelete:
		o.target, err = decodeID(r)
		if err != nil {
			return op{}, err
		}
		if o.target == rootID {
			return op{}, fmt.Errorf("%w: delete targets document start", ErrCorruptUpdate)
		}
	}
	return o, nil
}

func decodeID(r *bytes.Reader) (ID, error) {
	replica, err := varint.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: truncated id", ErrCorruptUpdate)
	}
	seq, err := varint.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: truncated id", ErrCorruptUpdate)
	}
	return ID{Replica: replica, Seq: seq}, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	replicas := make([]uint64, 0, len(sv))
	for r := range sv {
		replicas = append(replicas, r)
	}
	// Deterministic encoding so equal vectors are byte-equal.
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })

	b := []byte{tagStateVector}
	b = appendUvarint(b, uint64(len(replicas)))
	for _, r := range replicas {
		b = appendUvarint(b, r)
		b = appendUvarint(b, sv[r])
	}
	return b
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	if len(sv) == 0 || sv[0] != tagStateVector {
		return nil, fmt.Errorf("%w: bad tag", ErrCorruptStateVector)
	}
	r := bytes.NewReader(sv[1:])
	count, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: entry count: %v", ErrCorruptStateVector, err)
	}
	if count > uint64(r.Len())/2+1 {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrCorruptStateVector, count)
	}
	out := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		replica, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorruptStateVector)
		}
		seq, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorruptStateVector)
		}
		out[replica] = seq
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptStateVector, r.Len())
	}
	return out, nil
}
