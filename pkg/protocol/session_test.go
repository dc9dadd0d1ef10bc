package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

// splitObject builds a descriptor with n distinct 64 byte chunks
func splitObject(t *testing.T, n int) (*descriptor.Descriptor, []*chunk.Chunk) {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, 64))
	}
	d, chunks, err := descriptor.Split("object.bin", buf.Bytes(), descriptor.Options{ChunkSize: 64})
	require.NoError(t, err)
	require.Equal(t, n, d.ChunkCount())
	return d, chunks
}

func newTestSession(t *testing.T, chunks int) (*Session, *descriptor.Descriptor, []*chunk.Chunk, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	d, cs := splitObject(t, chunks)
	s := NewSession(d.ContentHash, mock)
	require.NoError(t, s.SetDescriptor(d))
	return s, d, cs, mock
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateInitiating, StatePending, true},
		{StateInitiating, StateActive, true},
		{StatePending, StateActive, true},
		{StateActive, StatePaused, true},
		{StatePaused, StateActive, true},
		{StateActive, StateCompleted, true},
		{StatePending, StatePaused, false},
		{StatePaused, StateCompleted, false},
		{StateInitiating, StateCompleted, false},
		{StateActive, StatePending, false},
		{StatePaused, StateFailed, true},
		{StatePending, StateCancelled, true},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateActive, false},
		{StateCancelled, StateCancelled, false},
		{StateActive, StateActive, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}
}

func TestSessionCompletesOnlyWhenAllChunksComplete(t *testing.T) {
	s, _, chunks, _ := newTestSession(t, 3)

	require.NoError(t, s.SetState(StatePending))
	require.NoError(t, s.SetState(StateActive))
	assert.ErrorIs(t, s.SetState(StateCompleted), ErrInvalidTransition)

	done, err := s.CompleteChunk([]uint32{0}, chunks[0].ID, chunks[0].Len())
	require.NoError(t, err)
	assert.False(t, done)
	done, err = s.CompleteChunk([]uint32{2}, chunks[2].ID, chunks[2].Len())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, []uint32{1}, s.PendingChunks())

	done, err = s.CompleteChunk([]uint32{1}, chunks[1].ID, chunks[1].Len())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateCompleted, s.State())
	assert.Empty(t, s.PendingChunks())

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.ChunksTransferred)
	assert.Equal(t, uint64(3*64), stats.BytesReceived)
}

func TestSessionCompleteChunkActivatesPending(t *testing.T) {
	s, _, chunks, _ := newTestSession(t, 2)
	require.NoError(t, s.SetState(StatePending))

	_, err := s.CompleteChunk([]uint32{0}, chunks[0].ID, chunks[0].Len())
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
}

func TestSessionProgressMonotonic(t *testing.T) {
	mock := clock.NewMock()
	d, chunks := splitObject(t, 5)
	s := NewSession(d.ContentHash, mock)

	assert.Equal(t, 0.0, s.Progress())
	require.NoError(t, s.SetDescriptor(d))
	assert.Equal(t, 0.0, s.Progress())

	last := 0.0
	for i, c := range chunks {
		_, err := s.CompleteChunk([]uint32{uint32(i)}, c.ID, c.Len())
		require.NoError(t, err)
		p := s.Progress()
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 100.0, last)
}

func TestSessionPendingChunksAscending(t *testing.T) {
	s, _, chunks, _ := newTestSession(t, 6)
	require.NoError(t, s.SetChunkStatus(4, Complete(chunks[4].ID)))
	require.NoError(t, s.SetChunkStatus(1, Complete(chunks[1].ID)))
	require.NoError(t, s.SetChunkStatus(3, Downloading("p", time.Now())))
	require.NoError(t, s.SetChunkStatus(5, Failed("boom")))

	assert.Equal(t, []uint32{0, 2, 3, 5}, s.PendingChunks())
}

func TestSessionCompleteChunkIsFinal(t *testing.T) {
	s, _, chunks, _ := newTestSession(t, 2)
	require.NoError(t, s.SetChunkStatus(0, Complete(chunks[0].ID)))

	assert.ErrorIs(t, s.SetChunkStatus(0, Failed("late")), ErrInvalidTransition)
	assert.ErrorIs(t, s.SetChunkStatus(9, Available("p")), ErrInvalidMessage)
	assert.Equal(t, StatusComplete, s.ChunkStatus(0).Kind)
}

func TestSessionDescriptorMismatch(t *testing.T) {
	d, _ := splitObject(t, 1)
	s := NewSession("other", clock.NewMock())
	assert.ErrorIs(t, s.SetDescriptor(d), ErrInvalidMessage)
	assert.Nil(t, s.Descriptor())
	assert.Empty(t, s.PendingChunks())
}

func TestSessionBestPeerForChunk(t *testing.T) {
	s, _, _, _ := newTestSession(t, 3)

	s.AddPeer(PeerInfo{ID: "peer-c", AvailableChunks: []uint32{0, 1}, Reliability: 0.9})
	s.AddPeer(PeerInfo{ID: "peer-b", AvailableChunks: []uint32{1, 2}, Reliability: 0.9})
	s.AddPeer(PeerInfo{ID: "peer-a", AvailableChunks: []uint32{2}, Reliability: 0.5})

	best, ok := s.BestPeerForChunk(0)
	require.True(t, ok)
	assert.Equal(t, peer.ID("peer-c"), best.ID)

	// Equal reliability resolves to the lowest id
	best, ok = s.BestPeerForChunk(1)
	require.True(t, ok)
	assert.Equal(t, peer.ID("peer-b"), best.ID)

	best, ok = s.BestPeerForChunkExcluding(2, map[peer.ID]bool{"peer-b": true})
	require.True(t, ok)
	assert.Equal(t, peer.ID("peer-a"), best.ID)

	_, ok = s.BestPeerForChunkExcluding(0, map[peer.ID]bool{"peer-c": true})
	assert.False(t, ok)
}

func TestSessionRemovePeerResetsDownloads(t *testing.T) {
	s, _, _, mock := newTestSession(t, 2)
	s.AddPeer(PeerInfo{ID: "a", AvailableChunks: []uint32{0, 1}, Reliability: 1})
	s.AddPeer(PeerInfo{ID: "b", AvailableChunks: []uint32{0, 1}, Reliability: 1})
	require.NoError(t, s.SetChunkStatus(0, Downloading("a", mock.Now())))
	require.NoError(t, s.SetChunkStatus(1, Downloading("b", mock.Now())))

	assert.Equal(t, 1, s.RemovePeer("a"))
	assert.Equal(t, StatusFailed, s.ChunkStatus(0).Kind)
	assert.Equal(t, StatusDownloading, s.ChunkStatus(1).Kind)
	assert.False(t, s.HasPeer("a"))
}

func TestSessionTimeout(t *testing.T) {
	s, _, _, mock := newTestSession(t, 1)

	mock.Add(30 * time.Second)
	assert.False(t, s.IsTimedOut(time.Minute))

	s.AddPeer(PeerInfo{ID: "a"})
	mock.Add(45 * time.Second)
	assert.False(t, s.IsTimedOut(time.Minute))

	mock.Add(30 * time.Second)
	assert.True(t, s.IsTimedOut(time.Minute))
}

func TestSessionCancelReleasesChunkMap(t *testing.T) {
	s, _, chunks, _ := newTestSession(t, 2)
	require.NoError(t, s.SetChunkStatus(0, Complete(chunks[0].ID)))

	require.NoError(t, s.Cancel())
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, StatusUnknown, s.ChunkStatus(0).Kind)
	assert.Equal(t, 0, s.CompletedChunks())

	assert.ErrorIs(t, s.Cancel(), ErrInvalidTransition)
	assert.ErrorIs(t, s.SetChunkStatus(1, Available("p")), ErrInvalidTransition)
}

func TestSessionPauseResume(t *testing.T) {
	s, _, chunks, _ := newTestSession(t, 2)
	require.NoError(t, s.SetState(StateActive))
	require.NoError(t, s.Pause())

	// Chunks still land while paused, but the session stays paused
	done, err := s.CompleteChunk([]uint32{0, 1}, chunks[0].ID, chunks[0].Len())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume())
	assert.Equal(t, StateCompleted, s.State())
}

func TestSessionFail(t *testing.T) {
	s, _, _, _ := newTestSession(t, 1)
	require.NoError(t, s.Fail(ErrorNetwork, "unreachable"))

	kind, reason, failed := s.Failure()
	assert.True(t, failed)
	assert.Equal(t, ErrorNetwork, kind)
	assert.Equal(t, "unreachable", reason)
	assert.ErrorIs(t, s.SetState(StateActive), ErrInvalidTransition)
}

func TestTableLifecycle(t *testing.T) {
	mock := clock.NewMock()
	tbl := NewTable(mock)

	a, created := tbl.GetOrCreate("a")
	assert.True(t, created)
	again, created := tbl.GetOrCreate("a")
	assert.False(t, created)
	assert.Same(t, a, again)

	b, _ := tbl.GetOrCreate("b")
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 2, tbl.Active())

	require.NoError(t, b.Cancel())
	assert.Equal(t, 1, tbl.Active())
	assert.Equal(t, 1, tbl.Reap())
	assert.Equal(t, 1, tbl.Len())

	mock.Add(2 * time.Minute)
	assert.Equal(t, []string{"a"}, tbl.CleanupTimedOut(time.Minute))
	assert.Equal(t, 0, tbl.Len())

	kind, _, failed := a.Failure()
	assert.True(t, failed)
	assert.Equal(t, ErrorTimeout, kind)
}
