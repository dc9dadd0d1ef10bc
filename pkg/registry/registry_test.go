package registry

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

func makeDescriptor(t *testing.T, name string, parts ...string) *descriptor.Descriptor {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(bytes.Repeat([]byte(p), 16))
	}
	d, _, err := descriptor.Split(name, buf.Bytes(), descriptor.Options{ChunkSize: 16})
	require.NoError(t, err)
	return d
}

func TestRegistration(t *testing.T) {
	r := New()
	d := makeDescriptor(t, "test.txt", "a", "b")

	require.NoError(t, r.Register(d))
	require.NoError(t, r.Register(d))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Lookup(d.ContentHash)
	assert.True(t, ok)
	assert.Equal(t, d, got)

	got, ok = r.LookupName("test.txt")
	assert.True(t, ok)
	assert.Equal(t, d, got)

	ids, err := d.ChunkIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{d.ContentHash}, r.ObjectsWithChunk(ids[0]))

	assert.True(t, r.Unregister(d.ContentHash))
	assert.False(t, r.Unregister(d.ContentHash))
	_, ok = r.Lookup(d.ContentHash)
	assert.False(t, ok)
	_, ok = r.LookupName("test.txt")
	assert.False(t, ok)
	assert.Empty(t, r.ObjectsWithChunk(ids[0]))
}

func TestSharedChunks(t *testing.T) {
	r := New()
	first := makeDescriptor(t, "first", "a", "b")
	second := makeDescriptor(t, "second", "b", "c")
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	shared, err := first.ChunkID(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ContentHash, second.ContentHash}, r.ObjectsWithChunk(shared))

	r.Unregister(first.ContentHash)
	assert.Equal(t, []string{second.ContentHash}, r.ObjectsWithChunk(shared))
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New()

	assert.ErrorIs(t, r.Register(nil), descriptor.ErrInvalidDescriptor)

	d := makeDescriptor(t, "x", "a")
	broken := *d
	broken.ChunkHashes = []string{"zz"}
	assert.ErrorIs(t, r.Register(&broken), descriptor.ErrInvalidDescriptor)
	assert.Equal(t, 0, r.Len())
}

func TestNameConflict(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(makeDescriptor(t, "same", "a")))
	assert.ErrorIs(t, r.Register(makeDescriptor(t, "same", "b")), ErrConflict)
}

func TestListOrdering(t *testing.T) {
	r := New()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(makeDescriptor(t, name, name)))
	}
	var names []string
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestConcurrentOperations(t *testing.T) {
	r := New()
	descs := make([]*descriptor.Descriptor, 10)
	for i := range descs {
		descs[i] = makeDescriptor(t, fmt.Sprintf("file%d", i), fmt.Sprintf("%d", i))
	}

	var wg sync.WaitGroup
	for _, d := range descs {
		wg.Add(1)
		go func(d *descriptor.Descriptor) {
			defer wg.Done()
			assert.NoError(t, r.Register(d))
			_, ok := r.Lookup(d.ContentHash)
			assert.True(t, ok)
			r.List()
		}(d)
	}
	wg.Wait()
	assert.Equal(t, len(descs), r.Len())
}
