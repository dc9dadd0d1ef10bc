package network

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

func testDescriptor(t *testing.T, data string) *descriptor.Descriptor {
	t.Helper()
	d, _, err := descriptor.Split("object", []byte(data), descriptor.Options{ChunkSize: 8})
	require.NoError(t, err)
	return d
}

func encode(t *testing.T, d *descriptor.Descriptor) []byte {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	return data
}

func TestDescriptorValidator(t *testing.T) {
	v := descriptorValidator{}
	d := testDescriptor(t, "some object spanning several chunks")
	other := testDescriptor(t, "a different object")

	tampered := *d
	tampered.ChunkHashes = append([]string(nil), d.ChunkHashes...)
	tampered.ChunkHashes[0] = other.ChunkHashes[0]

	tests := []struct {
		name  string
		key   string
		value []byte
		ok    bool
	}{
		{"valid", DescriptorKey(d.ContentHash), encode(t, d), true},
		{"wrong key", DescriptorKey(other.ContentHash), encode(t, d), false},
		{"wrong namespace", "/pk/" + d.ContentHash, encode(t, d), false},
		{"bad key", "storagecore", encode(t, d), false},
		{"garbage", DescriptorKey(d.ContentHash), []byte("{not json"), false},
		{"tampered", DescriptorKey(d.ContentHash), encode(t, &tampered), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.key, tt.value)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRecord)
			}
		})
	}
}

func TestDescriptorValidatorSelect(t *testing.T) {
	v := descriptorValidator{}
	older := testDescriptor(t, "same object bytes")
	newer := *older
	older.CreatedAt = time.Unix(100, 0).UTC()
	newer.CreatedAt = time.Unix(200, 0).UTC()

	idx, err := v.Select(DescriptorKey(older.ContentHash), [][]byte{
		encode(t, older),
		[]byte("junk"),
		encode(t, &newer),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = v.Select(DescriptorKey(older.ContentHash), [][]byte{[]byte("junk")})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestNamespacedValidator(t *testing.T) {
	d := testDescriptor(t, "routed through the namespaced validator")
	v := newValidator()

	assert.NoError(t, v.Validate(DescriptorKey(d.ContentHash), encode(t, d)))
	assert.Error(t, v.Validate("/unknown/"+d.ContentHash, encode(t, d)))
}
