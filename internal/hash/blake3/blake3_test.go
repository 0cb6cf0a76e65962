package blake3

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	first, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	second, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 64)
}

func TestFoldIsOrderIndependent(t *testing.T) {
	t.Parallel()

	var a, b Fold
	for _, id := range []string{"p1", "p2", "p3"} {
		a.Add(id)
	}
	for _, id := range []string{"p3", "p1", "p2"} {
		b.Add(id)
	}
	require.Equal(t, a.Sum(), b.Sum())
	require.Equal(t, int64(3), a.Len())

	var c Fold
	c.Add("p1")
	c.Add("p2")
	require.NotEqual(t, a.Sum(), c.Sum())
}

func TestFoldEmpty(t *testing.T) {
	t.Parallel()

	var f Fold
	require.Empty(t, f.Sum())
}
