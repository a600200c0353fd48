package doc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Operation kinds accepted by Apply.
const (
	OpInsert  = "insert-block"
	OpUpdate  = "update-block-content"
	OpDelete  = "delete-block"
	OpReorder = "reorder-block"
)

var (
	ErrUnknownBlock = errors.New("doc: operation references unknown block")
	ErrBadOperation = errors.New("doc: malformed operation")
)

// A single atomic mutation to the document. Conn and Clock identify the
// origin and are used to break ties between concurrent operations.
type Operation struct {
	Kind    string `json:"kind"`
	Conn    string `json:"conn"`
	Clock   uint64 `json:"clock"`
	BlockID string `json:"blockId"`

	// Insert only.
	BlockType string `json:"blockType,omitempty"`

	// Insert and update.
	Content string `json:"content,omitempty"`

	// Insert and reorder: the block to place this one after
	// (empty means head of document).
	AfterID string `json:"afterId,omitempty"`

	// Order key assigned by the engine on accept. A rebroadcast or
	// replayed operation carries it so every replica places the block
	// identically.
	Key string `json:"key,omitempty"`
}

// A rendered block as seen by clients. Tombstoned blocks are never rendered.
type Block struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Key     string `json:"key"`
}

// stamp orders concurrent writes: higher clock wins, equal clocks fall
// back to the connection id.
type stamp struct {
	clock uint64
	conn  string
}

func (s stamp) less(o stamp) bool {
	if s.clock != o.clock {
		return s.clock < o.clock
	}
	return s.conn < o.conn
}

type block struct {
	id        string
	blockType string
	content   string
	key       string
	deleted   bool

	born    stamp // insert stamp, ties block order on equal keys
	written stamp // last content write
	moved   stamp // last reorder
}

// Document is a block arena keyed by stable id. Block ids are never reused;
// deletes leave a tombstone so a concurrent edit to the same block can be
// recognized and dropped instead of rejected.
type Document struct {
	blocks map[string]*block
	clock  uint64
}

func New() *Document {
	return &Document{blocks: make(map[string]*block)}
}

// Apply mutates the document with a single operation and returns the
// accepted form of that operation (with clock and order key filled in),
// suitable for rebroadcast. Applying the same accepted operation twice is
// a no-op. The only errors are structural: an unknown kind, a missing
// block id, or a reference to a block that never existed.
func (d *Document) Apply(op Operation) (Operation, error) {
	if op.BlockID == "" && op.Kind != OpInsert {
		return op, fmt.Errorf("%w: missing block id", ErrBadOperation)
	}

	// Advance the Lamport clock past anything we have seen; stamp
	// locally-originated operations that carry no clock.
	if op.Clock == 0 {
		d.clock++
		op.Clock = d.clock
	} else if op.Clock > d.clock {
		d.clock = op.Clock
	}

	switch op.Kind {
	case OpInsert:
		return d.applyInsert(op)
	case OpUpdate:
		return d.applyUpdate(op)
	case OpDelete:
		return d.applyDelete(op)
	case OpReorder:
		return d.applyReorder(op)
	default:
		return op, fmt.Errorf("%w: unknown kind %q", ErrBadOperation, op.Kind)
	}
}

func (d *Document) applyInsert(op Operation) (Operation, error) {
	if op.BlockID == "" {
		op.BlockID = uuid.NewString()
	}
	if existing, ok := d.blocks[op.BlockID]; ok {
		// Duplicate delivery (or an id raced a tombstone): ids are
		// never reused, so the first insert stands.
		op.Key = existing.key
		return op, nil
	}
	if op.Key == "" {
		key, err := d.keyAfter(op.AfterID)
		if err != nil {
			return op, err
		}
		op.Key = key
	}
	st := stamp{op.Clock, op.Conn}
	d.blocks[op.BlockID] = &block{
		id:        op.BlockID,
		blockType: op.BlockType,
		content:   op.Content,
		key:       op.Key,
		born:      st,
		written:   st,
		moved:     st,
	}
	return op, nil
}

func (d *Document) applyUpdate(op Operation) (Operation, error) {
	b, ok := d.blocks[op.BlockID]
	if !ok {
		return op, ErrUnknownBlock
	}
	if b.deleted {
		// Tombstone wins: the edit is dropped, not rejected, so every
		// replica settles on the block being gone.
		return op, nil
	}
	st := stamp{op.Clock, op.Conn}
	if b.written.less(st) {
		b.content = op.Content
		b.written = st
	}
	return op, nil
}

func (d *Document) applyDelete(op Operation) (Operation, error) {
	b, ok := d.blocks[op.BlockID]
	if !ok {
		return op, ErrUnknownBlock
	}
	if !b.deleted {
		b.deleted = true
		b.content = ""
	}
	return op, nil
}

func (d *Document) applyReorder(op Operation) (Operation, error) {
	b, ok := d.blocks[op.BlockID]
	if !ok {
		return op, ErrUnknownBlock
	}
	if b.deleted {
		return op, nil
	}
	if op.Key == "" {
		key, err := d.keyAfter(op.AfterID)
		if err != nil {
			return op, err
		}
		op.Key = key
	}
	st := stamp{op.Clock, op.Conn}
	if b.moved.less(st) {
		b.key = op.Key
		b.moved = st
	}
	return op, nil
}

// keyAfter computes a fresh order key directly after the given block
// (or at the head of the document for an empty anchor).
func (d *Document) keyAfter(afterID string) (string, error) {
	var lo string
	if afterID != "" {
		anchor, ok := d.blocks[afterID]
		if !ok {
			return "", ErrUnknownBlock
		}
		lo = anchor.key
	}

	// Tightest live key above lo becomes the upper bound. Tombstones
	// keep their keys so they still space the sequence.
	hi := ""
	for _, b := range d.blocks {
		if b.key > lo && (hi == "" || b.key < hi) {
			hi = b.key
		}
	}
	return KeyBetween(lo, hi), nil
}

// Blocks returns the live blocks in document order: ascending order key,
// ties broken by (insert clock, connection id) so every replica agrees.
func (d *Document) Blocks() []Block {
	live := make([]*block, 0, len(d.blocks))
	for _, b := range d.blocks {
		if !b.deleted {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].key != live[j].key {
			return live[i].key < live[j].key
		}
		return live[i].born.less(live[j].born)
	})

	out := make([]Block, len(live))
	for i, b := range live {
		out[i] = Block{ID: b.id, Type: b.blockType, Content: b.content, Key: b.key}
	}
	return out
}

// Len reports the number of live blocks.
func (d *Document) Len() int {
	n := 0
	for _, b := range d.blocks {
		if !b.deleted {
			n++
		}
	}
	return n
}

// Clock returns the current Lamport high-water mark.
func (d *Document) Clock() uint64 {
	return d.clock
}
