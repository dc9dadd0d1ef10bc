package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	pcap "github.com/VetheonGames/FileZap/StorageCore/pkg/peer"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/protocol"
)

func testChunk(t *testing.T) *chunk.Chunk {
	c, err := chunk.New([]byte("wire format test payload"), 0, chunk.CompressionNone)
	require.NoError(t, err)
	return c
}

func TestEncodeDecode(t *testing.T) {
	sender := test.RandPeerIDFatal(t)
	c := testChunk(t)
	reqID := uuid.New()

	messages := []Message{
		&ChunkAnnouncement{Peer: sender, ChunkIDs: []chunk.ID{c.ID}},
		&ChunkRequest{RequestID: reqID, ChunkID: c.ID, Requester: sender},
		&ChunkResponse{RequestID: reqID, ChunkID: c.ID, Chunk: c},
		&ChunkResponse{RequestID: reqID, ChunkID: c.ID, Error: "not found"},
		&TransferControl{Message: &protocol.Heartbeat{ContentHash: "abc"}},
		&BandwidthNegotiation{Peer: sender, MaxUpload: 1 << 20, MaxDownload: 2 << 20},
		&CapabilityUpdate{Peer: sender, Capabilities: pcap.Capabilities{
			StorageCapacity: 1 << 30,
			StorageUsed:     1 << 20,
			Compression:     []chunk.Compression{chunk.CompressionLZ4},
		}},
	}

	for _, m := range messages {
		t.Run(m.Type(), func(t *testing.T) {
			data, err := Encode(m)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, m.Type(), got.Type())
		})
	}
}

func TestChunkResponseCarriesVerifiableChunk(t *testing.T) {
	c := testChunk(t)
	data, err := Encode(&ChunkResponse{RequestID: uuid.New(), ChunkID: c.ID, Chunk: c})
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	resp, ok := got.(*ChunkResponse)
	require.True(t, ok)
	require.NotNil(t, resp.Chunk)
	assert.Equal(t, c.ID, resp.Chunk.ID)
	assert.NoError(t, resp.Chunk.Verify())
	assert.False(t, resp.Unsolicited())

	push := &ChunkResponse{ChunkID: c.ID, Chunk: c}
	assert.True(t, push.Unsolicited())
}

func TestTransferControlKeepsInnerMessage(t *testing.T) {
	idx := uint32(2)
	inner := &protocol.TransferError{
		ContentHash: "feed",
		ErrorType:   protocol.ErrorStorageFull,
		Message:     "disk full",
		ChunkIndex:  &idx,
	}
	data, err := Encode(&TransferControl{Message: inner})
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	tc := got.(*TransferControl)
	te, ok := tc.Message.(*protocol.TransferError)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorStorageFull, te.ErrorType)
	require.NotNil(t, te.ChunkIndex)
	assert.Equal(t, uint32(2), *te.ChunkIndex)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`garbage`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"teleport","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":"chunk_request"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"transfer_control","payload":{"type":"nope","payload":{}}}`))
	assert.Error(t, err)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}
