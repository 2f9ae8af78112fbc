package features

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthCodec encodes an item as [len(item), 1, 2, ...] and fails on "bad".
type lengthCodec struct {
	mu    sync.Mutex
	calls map[string]int
	bits  int
}

func newLengthCodec(bits int) *lengthCodec {
	return &lengthCodec{calls: map[string]int{}, bits: bits}
}

func (l *lengthCodec) Encode(item string) (Vector, error) {
	l.mu.Lock()
	l.calls[item]++
	l.mu.Unlock()
	if item == "bad" || item == "worse" {
		return nil, newEncodingError(item, 0, "cannot parse")
	}
	v := make(Vector, l.bits)
	v[0] = float32(len(item))
	for i := 1; i < l.bits; i++ {
		v[i] = float32(i)
	}
	return v, nil
}

func (l *lengthCodec) Config() Config {
	return Config{Algorithm: "length", Bits: l.bits}
}

func (l *lengthCodec) callCount(item string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[item]
}

func TestBatchEncoding(t *testing.T) {
	t.Run("sequential keeps order", func(t *testing.T) {
		results, err := EncodeBatch(context.Background(), newLengthCodec(3), []string{"one", "three", "sixsix"})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, Vector{3, 1, 2}, results[0])
		assert.Equal(t, Vector{5, 1, 2}, results[1])
		assert.Equal(t, Vector{6, 1, 2}, results[2])
	})

	t.Run("parallel keeps order", func(t *testing.T) {
		items := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg"}
		results, err := ParallelEncodeBatch(context.Background(), newLengthCodec(2), items, 3)
		require.NoError(t, err)
		require.Len(t, results, len(items))
		for i, item := range items {
			assert.Equal(t, float32(len(item)), results[i][0])
		}
	})

	t.Run("one bad item aborts the batch", func(t *testing.T) {
		items := []string{"ok", "fine", "bad", "good", "worse"}

		results, err := EncodeBatch(context.Background(), newLengthCodec(2), items)
		require.Error(t, err)
		assert.Nil(t, results)
		var batchErr *BatchError
		require.True(t, errors.As(err, &batchErr))
		assert.Equal(t, 2, batchErr.Index)
		var encErr *EncodingError
		require.True(t, errors.As(err, &encErr))
		assert.Equal(t, "bad", encErr.Item)

		results, err = ParallelEncodeBatch(context.Background(), newLengthCodec(2), items, 2)
		require.Error(t, err)
		assert.Nil(t, results)
		require.True(t, errors.As(err, &batchErr))
		assert.Equal(t, 2, batchErr.Index)
	})

	t.Run("empty input", func(t *testing.T) {
		results, err := EncodeBatch(context.Background(), newLengthCodec(2), nil)
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = ParallelEncodeBatch(context.Background(), newLengthCodec(2), []string{}, 2)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := EncodeBatch(ctx, newLengthCodec(2), []string{"a"})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = ParallelEncodeBatch(ctx, newLengthCodec(2), []string{"a", "b"}, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCachedCodec(t *testing.T) {
	t.Run("serves repeated items from memory", func(t *testing.T) {
		inner := newLengthCodec(2)
		c := NewCachedCodec(inner, 10)

		v1, err := c.Encode("abc")
		require.NoError(t, err)
		v2, err := c.Encode("abc")
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
		assert.Equal(t, 1, inner.callCount("abc"))

		hits, misses := c.Stats()
		assert.Equal(t, 1, hits)
		assert.Equal(t, 1, misses)
		assert.Equal(t, inner.Config(), c.Config())
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		inner := newLengthCodec(2)
		c := NewCachedCodec(inner, 2)

		_, _ = c.Encode("a")
		_, _ = c.Encode("b")
		_, _ = c.Encode("a") // a is now most recent
		_, _ = c.Encode("c") // evicts b
		assert.Equal(t, 2, c.Size())

		_, _ = c.Encode("a")
		assert.Equal(t, 1, inner.callCount("a"))
		_, _ = c.Encode("b")
		assert.Equal(t, 2, inner.callCount("b"))
	})

	t.Run("does not cache errors", func(t *testing.T) {
		inner := newLengthCodec(2)
		c := NewCachedCodec(inner, 2)

		_, err := c.Encode("bad")
		require.Error(t, err)
		_, err = c.Encode("bad")
		require.Error(t, err)
		assert.Equal(t, 2, inner.callCount("bad"))
		assert.Equal(t, 0, c.Size())
	})

	t.Run("clear", func(t *testing.T) {
		c := NewCachedCodec(newLengthCodec(2), 0)
		assert.Equal(t, 1000, c.MaxSize())
		_, _ = c.Encode("x")
		c.Clear()
		assert.Equal(t, 0, c.Size())
	})
}

func TestBoltCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	inner := newLengthCodec(4)

	c, err := NewBoltCache(inner, path)
	require.NoError(t, err)

	v1, err := c.Encode("hello")
	require.NoError(t, err)
	v2, err := c.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.callCount("hello"))

	_, err = c.Encode("bad")
	require.Error(t, err)
	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, c.Close())

	// Vectors survive reopening.
	reopened, err := NewBoltCache(inner, path)
	require.NoError(t, err)
	v3, err := reopened.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v3)
	assert.Equal(t, 1, inner.callCount("hello"))

	// A codec with another configuration does not see those entries.
	other := newLengthCodec(2)
	require.NoError(t, reopened.Close())
	shared, err := NewBoltCache(other, path)
	require.NoError(t, err)
	defer func() { _ = shared.Close() }()
	v4, err := shared.Encode("hello")
	require.NoError(t, err)
	assert.Len(t, v4, 2)
	assert.Equal(t, 1, other.callCount("hello"))
}

func TestVectorPayloadRoundTrip(t *testing.T) {
	v := Vector{0, 1, 2.5, -3}
	decoded, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	_, err = decodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}
