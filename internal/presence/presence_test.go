package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeCursorDelta(t *testing.T) {
	r := NewRoster()
	r.Add("c1", State{Name: "Ada", Color: "#ff0000"})

	merged, err := r.Merge("c1", Delta{Kind: KindCursor, CursorX: 12, CursorY: 34})
	require.NoError(t, err)

	// Partial update keeps the display fields.
	assert.Equal(t, "Ada", merged.Name)
	assert.Equal(t, 12.0, merged.CursorX)
	assert.Equal(t, 34.0, merged.CursorY)
	assert.False(t, merged.Typing)
}

func TestMergeTypingKeepsCursor(t *testing.T) {
	r := NewRoster()
	r.Add("c1", State{Name: "Ada"})

	_, err := r.Merge("c1", Delta{Kind: KindCursor, CursorX: 5, CursorY: 6})
	require.NoError(t, err)

	merged, err := r.Merge("c1", Delta{Kind: KindTyping, Typing: true})
	require.NoError(t, err)
	assert.True(t, merged.Typing)
	assert.Equal(t, 5.0, merged.CursorX)
}

func TestMergeLastWriteWins(t *testing.T) {
	r := NewRoster()
	r.Add("c1", State{})

	_, err := r.Merge("c1", Delta{Kind: KindCursor, CursorX: 1, CursorY: 1})
	require.NoError(t, err)
	merged, err := r.Merge("c1", Delta{Kind: KindCursor, CursorX: 2, CursorY: 2})
	require.NoError(t, err)

	assert.Equal(t, 2.0, merged.CursorX)
}

func TestMergeUnknownConnection(t *testing.T) {
	r := NewRoster()
	_, err := r.Merge("ghost", Delta{Kind: KindCursor})
	assert.Error(t, err)
}

func TestMergeRejectsUnpublishableKind(t *testing.T) {
	r := NewRoster()
	r.Add("c1", State{})

	_, err := r.Merge("c1", Delta{Kind: KindJoined})
	assert.Error(t, err)
}

func TestListExcludesRemoved(t *testing.T) {
	r := NewRoster()
	r.Add("c1", State{Name: "Ada"})
	r.Add("c2", State{Name: "Lin"})
	r.Remove("c1")

	list := r.List()
	assert.Len(t, list, 1)
	assert.Equal(t, "Lin", list["c2"].Name)
}

func TestRosterConcurrentAccess(t *testing.T) {
	r := NewRoster()
	r.Add("c1", State{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Merge("c1", Delta{Kind: KindCursor, CursorX: float64(i)})
			r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
}
