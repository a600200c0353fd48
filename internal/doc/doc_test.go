package doc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustApply(t *testing.T, d *Document, op Operation) Operation {
	t.Helper()
	accepted, err := d.Apply(op)
	require.NoError(t, err)
	return accepted
}

func insert(t *testing.T, d *Document, conn, id, content, after string) Operation {
	t.Helper()
	return mustApply(t, d, Operation{
		Kind: OpInsert, Conn: conn, BlockID: id,
		BlockType: "paragraph", Content: content, AfterID: after,
	})
}

func contents(d *Document) []string {
	blocks := d.Blocks()
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Content
	}
	return out
}

func TestApplyInsertAndOrder(t *testing.T) {
	d := New()
	a := insert(t, d, "c1", "a", "first", "")
	insert(t, d, "c1", "b", "third", a.BlockID)
	insert(t, d, "c1", "c", "second", a.BlockID)

	assert.Equal(t, []string{"first", "second", "third"}, contents(d))
}

func TestApplyAssignsBlockID(t *testing.T) {
	d := New()
	accepted := mustApply(t, d, Operation{Kind: OpInsert, Conn: "c1", Content: "x"})
	assert.NotEmpty(t, accepted.BlockID)
	assert.NotEmpty(t, accepted.Key)
}

func TestApplyUpdate(t *testing.T) {
	d := New()
	insert(t, d, "c1", "a", "hello", "")
	mustApply(t, d, Operation{Kind: OpUpdate, Conn: "c1", BlockID: "a", Content: "hello world"})

	assert.Equal(t, []string{"hello world"}, contents(d))
}

func TestApplyRejectsUnknownBlock(t *testing.T) {
	d := New()

	_, err := d.Apply(Operation{Kind: OpUpdate, Conn: "c1", BlockID: "ghost", Content: "x"})
	assert.ErrorIs(t, err, ErrUnknownBlock)

	_, err = d.Apply(Operation{Kind: OpDelete, Conn: "c1", BlockID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownBlock)

	_, err = d.Apply(Operation{Kind: OpReorder, Conn: "c1", BlockID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestApplyRejectsMalformed(t *testing.T) {
	d := New()

	_, err := d.Apply(Operation{Kind: "explode", Conn: "c1", BlockID: "a"})
	assert.ErrorIs(t, err, ErrBadOperation)

	_, err = d.Apply(Operation{Kind: OpUpdate, Conn: "c1"})
	assert.ErrorIs(t, err, ErrBadOperation)
}

func TestTombstonePrecedence(t *testing.T) {
	// A concurrent delete and edit of the same block must leave the
	// block absent regardless of delivery order.
	ins := Operation{Kind: OpInsert, Conn: "c1", BlockID: "a", Content: "doomed"}
	del := Operation{Kind: OpDelete, Conn: "c1", BlockID: "a", Clock: 2}
	edit := Operation{Kind: OpUpdate, Conn: "c2", BlockID: "a", Content: "saved?", Clock: 3}

	d1 := New()
	a, _ := d1.Apply(ins)
	mustApply(t, d1, del)
	mustApply(t, d1, edit)
	assert.Zero(t, d1.Len())

	d2 := New()
	mustApply(t, d2, a)
	mustApply(t, d2, edit)
	mustApply(t, d2, del)
	assert.Zero(t, d2.Len())
}

func TestIdempotentReapply(t *testing.T) {
	d := New()
	a := insert(t, d, "c1", "a", "one", "")
	b := insert(t, d, "c1", "b", "two", "a")
	up := mustApply(t, d, Operation{Kind: OpUpdate, Conn: "c2", BlockID: "a", Content: "one!"})

	want := d.Blocks()

	// Duplicate delivery of already-accepted operations.
	mustApply(t, d, a)
	mustApply(t, d, b)
	mustApply(t, d, up)
	mustApply(t, d, up)

	assert.Equal(t, want, d.Blocks())
}

func TestConcurrentInsertsDeterministicTieBreak(t *testing.T) {
	// Two inserts at the same position end up with the same order key;
	// (clock, conn) must decide identically on every replica.
	op1 := Operation{Kind: OpInsert, Conn: "c1", BlockID: "x", Content: "from c1", Clock: 5, Key: "V"}
	op2 := Operation{Kind: OpInsert, Conn: "c2", BlockID: "y", Content: "from c2", Clock: 5, Key: "V"}

	d1 := New()
	mustApply(t, d1, op1)
	mustApply(t, d1, op2)

	d2 := New()
	mustApply(t, d2, op2)
	mustApply(t, d2, op1)

	assert.Equal(t, d1.Blocks(), d2.Blocks())
	assert.Equal(t, []string{"from c1", "from c2"}, contents(d1))
}

// applyAll applies operations, retrying rejects until a fixpoint, which
// emulates delivery where an op may arrive before the insert it targets.
func applyAll(t *testing.T, d *Document, ops []Operation) {
	t.Helper()
	pending := ops
	for len(pending) > 0 {
		var next []Operation
		for _, op := range pending {
			if _, err := d.Apply(op); err != nil {
				next = append(next, op)
			}
		}
		require.Less(t, len(next), len(pending), "operations stopped making progress")
		pending = next
	}
}

func permutations(ops []Operation) [][]Operation {
	if len(ops) <= 1 {
		return [][]Operation{append([]Operation(nil), ops...)}
	}
	var out [][]Operation
	for i := range ops {
		rest := make([]Operation, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Operation{ops[i]}, p...))
		}
	}
	return out
}

func TestConvergenceUnderPermutedDelivery(t *testing.T) {
	// Build a canonical replica to obtain accepted operations.
	source := New()
	a := insert(t, source, "c1", "a", "alpha", "")
	b := insert(t, source, "c2", "b", "beta", "a")
	up := mustApply(t, source, Operation{Kind: OpUpdate, Conn: "c2", BlockID: "a", Content: "alpha v2"})
	del := mustApply(t, source, Operation{Kind: OpDelete, Conn: "c1", BlockID: "b"})
	c := insert(t, source, "c1", "c", "gamma", "a")
	want := source.Blocks()

	ops := []Operation{a, b, up, del, c}
	for i, perm := range permutations(ops) {
		replica := New()
		applyAll(t, replica, perm)
		require.Equal(t, want, replica.Blocks(), fmt.Sprintf("permutation %d diverged", i))
	}
}

func TestReorderMovesBlock(t *testing.T) {
	d := New()
	a := insert(t, d, "c1", "a", "one", "")
	insert(t, d, "c1", "b", "two", "a")
	insert(t, d, "c1", "c", "three", "b")

	// Move c to just after a.
	mustApply(t, d, Operation{Kind: OpReorder, Conn: "c1", BlockID: "c", AfterID: a.BlockID})

	assert.Equal(t, []string{"one", "three", "two"}, contents(d))
}

func TestConcurrentReorderLastWriteWins(t *testing.T) {
	build := func() (*Document, Operation, Operation) {
		d := New()
		insert(t, d, "c1", "a", "one", "")
		insert(t, d, "c1", "b", "two", "a")
		insert(t, d, "c1", "c", "three", "b")
		m1 := Operation{Kind: OpReorder, Conn: "c1", BlockID: "c", Clock: 10, Key: "0V"}
		m2 := Operation{Kind: OpReorder, Conn: "c2", BlockID: "c", Clock: 11, Key: "zV"}
		return d, m1, m2
	}

	d1, m1, m2 := build()
	mustApply(t, d1, m1)
	mustApply(t, d1, m2)

	d2, n1, n2 := build()
	mustApply(t, d2, n2)
	mustApply(t, d2, n1)

	assert.Equal(t, contents(d1), contents(d2))
	assert.Equal(t, []string{"one", "two", "three"}, contents(d1))
}

func TestEditToDeletedBlockDroppedSilently(t *testing.T) {
	d := New()
	insert(t, d, "c1", "a", "here", "")
	mustApply(t, d, Operation{Kind: OpDelete, Conn: "c1", BlockID: "a"})

	// Not an error, just a no-op.
	mustApply(t, d, Operation{Kind: OpUpdate, Conn: "c2", BlockID: "a", Content: "resurrect"})
	mustApply(t, d, Operation{Kind: OpReorder, Conn: "c2", BlockID: "a", Key: "zz"})

	assert.Zero(t, d.Len())
}
