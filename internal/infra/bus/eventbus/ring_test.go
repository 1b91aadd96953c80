package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRingEvictsOldest(t *testing.T) {
	ring := NewRing[int](3)
	require.False(t, ring.Push(1))
	require.False(t, ring.Push(2))
	require.False(t, ring.Push(3))
	require.True(t, ring.Push(4))

	require.Equal(t, 3, ring.Len())
	require.Equal(t, 3, ring.Cap())
	require.Equal(t, []int{2, 3, 4}, ring.Last(3))
	require.Equal(t, []int{3, 4}, ring.Last(2))
	require.Equal(t, []int{2, 3, 4}, ring.Last(99))
	require.Nil(t, ring.Last(0))
}

func TestRingMinimumCapacity(t *testing.T) {
	ring := NewRing[string](0)
	require.Equal(t, 1, ring.Cap())
	ring.Push("a")
	ring.Push("b")
	require.Equal(t, []string{"b"}, ring.Last(5))
}

func TestRingEmpty(t *testing.T) {
	ring := NewRing[int](4)
	require.Nil(t, ring.Last(2))
	require.Equal(t, 0, ring.Len())
}

func TestRingMatchesSliceWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(rt, "capacity")
		items := rapid.SliceOf(rapid.Int()).Draw(rt, "items")
		n := rapid.IntRange(-2, 20).Draw(rt, "n")

		ring := NewRing[int](capacity)
		for _, item := range items {
			ring.Push(item)
		}

		window := items
		if len(window) > capacity {
			window = window[len(window)-capacity:]
		}
		if ring.Len() != len(window) {
			rt.Fatalf("len = %d, want %d", ring.Len(), len(window))
		}

		want := window
		if n <= 0 {
			want = nil
		} else if n < len(want) {
			want = want[len(want)-n:]
		}
		got := ring.Last(n)
		if len(got) != len(want) {
			rt.Fatalf("Last(%d) len = %d, want %d", n, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("Last(%d)[%d] = %d, want %d", n, i, got[i], want[i])
			}
		}
	})
}
