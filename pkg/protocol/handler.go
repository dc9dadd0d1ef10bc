package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/cache"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
)

var log = logging.Logger("protocol")

// DefaultReliability is assigned to session peers the handler learns about
const DefaultReliability = 0.5

// ChunkStore is the subset of the chunk cache the handler reads and writes
type ChunkStore interface {
	Get(id chunk.ID) (*chunk.Chunk, bool)
	Store(c *chunk.Chunk) error
}

// DescriptorStore resolves content hashes to descriptors
type DescriptorStore interface {
	Lookup(contentHash string) (*descriptor.Descriptor, bool)
	Register(d *descriptor.Descriptor) error
}

// Handler advances sessions in response to inbound transfer messages. It keeps no state
// of its own; everything lives in the session table and the stores.
type Handler struct {
	local       peer.ID
	sessions    *Table
	chunks      ChunkStore
	descriptors DescriptorStore
}

// NewHandler creates a handler acting on behalf of local
func NewHandler(local peer.ID, sessions *Table, chunks ChunkStore, descriptors DescriptorStore) *Handler {
	return &Handler{
		local:       local,
		sessions:    sessions,
		chunks:      chunks,
		descriptors: descriptors,
	}
}

// Sessions returns the table the handler operates on
func (h *Handler) Sessions() *Table {
	return h.sessions
}

// HandleMessage processes one message from a peer and returns the replies to send back.
// Messages the handler does not act on produce no replies and no error.
func (h *Handler) HandleMessage(from peer.ID, m Message) ([]Message, error) {
	switch msg := m.(type) {
	case *TransferRequest:
		return h.handleTransferRequest(from, msg)
	case *TransferResponse:
		return nil, h.handleTransferResponse(from, msg)
	case *ChunkRequest:
		return h.handleChunkRequest(from, msg)
	case *ChunkData:
		return h.handleChunkData(from, msg)
	case *TransferError:
		return nil, h.handleTransferError(from, msg)
	case *DescriptorAnnouncement:
		return nil, h.handleDescriptorAnnouncement(from, msg)
	case *Heartbeat, *TransferProgress, *TransferComplete:
		if s, ok := h.sessions.Get(ContentHashOf(m)); ok {
			s.Touch()
		}
		return nil, nil
	default:
		log.Debugw("ignoring message", "from", from, "type", fmt.Sprintf("%T", m))
		return nil, nil
	}
}

// descriptorFor returns the session's descriptor, attaching the registered one if needed
func (h *Handler) descriptorFor(s *Session) (*descriptor.Descriptor, error) {
	if d := s.Descriptor(); d != nil {
		return d, nil
	}
	d, ok := h.descriptors.Lookup(s.ContentHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingDescriptor, s.ContentHash)
	}
	if err := s.SetDescriptor(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (h *Handler) handleTransferRequest(from peer.ID, msg *TransferRequest) ([]Message, error) {
	if msg.ContentHash == "" {
		return nil, fmt.Errorf("%w: transfer request without content hash", ErrInvalidMessage)
	}

	d, known := h.descriptors.Lookup(msg.ContentHash)

	s, created := h.sessions.GetOrCreate(msg.ContentHash)
	if s.State().Terminal() {
		h.sessions.Remove(msg.ContentHash)
		s, created = h.sessions.GetOrCreate(msg.ContentHash)
	}

	if !known {
		if created {
			h.sessions.Remove(msg.ContentHash)
		}
		log.Debugw("rejecting transfer for unknown content", "hash", msg.ContentHash, "from", from)
		return []Message{&TransferResponse{
			ContentHash: msg.ContentHash,
			Accepted:    false,
			Reason:      "content not available",
		}}, nil
	}

	if s.Descriptor() == nil {
		if err := s.SetDescriptor(d); err != nil {
			return nil, err
		}
	}
	if s.State() == StateInitiating {
		if err := s.SetState(StatePending); err != nil {
			return nil, err
		}
	}

	requester := msg.RequesterID
	if requester == "" {
		requester = from
	}
	if !s.HasPeer(requester) {
		s.AddPeer(PeerInfo{ID: requester, Bandwidth: msg.BandwidthLimit, Reliability: DefaultReliability})
	}

	resp := &TransferResponse{
		ContentHash: msg.ContentHash,
		Accepted:    true,
		Descriptor:  d,
	}
	if msg.BandwidthLimit > 0 {
		resp.EstimatedTime = transferTime(d.Size, msg.BandwidthLimit)
	}
	log.Debugw("accepted transfer", "hash", msg.ContentHash, "from", from, "priority", msg.Priority)
	return []Message{resp}, nil
}

// transferTime rounds size/rate up to whole seconds, saturating at the largest Duration
func transferTime(size, rate uint64) time.Duration {
	secs := size / rate
	if size%rate != 0 {
		secs++
	}
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}

func (h *Handler) handleTransferResponse(from peer.ID, msg *TransferResponse) error {
	s, ok := h.sessions.Get(msg.ContentHash)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, msg.ContentHash)
	}
	if s.State().Terminal() {
		return nil
	}

	if !msg.Accepted {
		log.Infow("transfer rejected", "hash", msg.ContentHash, "peer", from, "reason", msg.Reason)
		if s.RemovePeer(from) == 0 {
			return s.Fail(ErrorUnknown, "rejected by "+from.String()+": "+msg.Reason)
		}
		return nil
	}

	if msg.Descriptor != nil && s.Descriptor() == nil {
		if err := msg.Descriptor.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := s.SetDescriptor(msg.Descriptor); err != nil {
			return err
		}
		if err := h.descriptors.Register(msg.Descriptor); err != nil {
			log.Warnw("failed to register descriptor", "hash", msg.ContentHash, "error", err)
		}
	}

	info, known := s.Peer(from)
	if !known {
		info = PeerInfo{ID: from, Reliability: DefaultReliability}
	}
	if d := s.Descriptor(); d != nil && len(info.AvailableChunks) == 0 {
		info.AvailableChunks = allIndices(d.ChunkCount())
	}
	info.LastSeen = time.Time{}
	s.AddPeer(info)

	if s.State() == StateInitiating {
		return s.SetState(StatePending)
	}
	return nil
}

func (h *Handler) handleChunkRequest(from peer.ID, msg *ChunkRequest) ([]Message, error) {
	s, ok := h.sessions.Get(msg.ContentHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, msg.ContentHash)
	}
	if s.State().Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.State())
	}
	d, err := h.descriptorFor(s)
	if err != nil {
		return nil, err
	}

	replies := make([]Message, 0, len(msg.ChunkIndices))
	var sent int
	var bytes uint64
	for _, idx := range msg.ChunkIndices {
		id, err := d.ChunkID(idx)
		if err != nil {
			replies = append(replies, chunkError(msg.ContentHash, idx, ErrorUnknown, err.Error()))
			continue
		}
		c, ok := h.chunks.Get(id)
		if !ok {
			replies = append(replies, chunkError(msg.ContentHash, idx, ErrorUnknown, "chunk not available"))
			continue
		}
		c.Info.Index = idx
		replies = append(replies, &ChunkData{
			ContentHash: msg.ContentHash,
			Chunk:       c,
			SequenceID:  msg.SequenceID,
			SenderID:    h.local,
		})
		sent++
		bytes += uint64(c.Len())
	}

	s.RecordSent(sent, bytes)
	metrics.ChunkBytes.WithLabelValues(metrics.Upload).Add(float64(bytes))
	log.Debugw("served chunk request", "hash", msg.ContentHash, "to", from, "sent", sent, "requested", len(msg.ChunkIndices))
	return replies, nil
}

func (h *Handler) handleChunkData(from peer.ID, msg *ChunkData) ([]Message, error) {
	if msg.Chunk == nil {
		return nil, fmt.Errorf("%w: chunk data without a chunk", ErrInvalidMessage)
	}
	s, ok := h.sessions.Get(msg.ContentHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, msg.ContentHash)
	}
	if s.State().Terminal() {
		log.Debugw("dropping chunk for finished session", "hash", msg.ContentHash, "state", s.State())
		return nil, nil
	}
	d, err := h.descriptorFor(s)
	if err != nil {
		return nil, err
	}

	indices := d.IndexOf(msg.Chunk.ID)
	if len(indices) == 0 {
		metrics.IntegrityFailures.Inc()
		return []Message{&TransferError{
			ContentHash: msg.ContentHash,
			ErrorType:   ErrorIntegrityFailure,
			Message:     fmt.Sprintf("chunk %s is not part of %s", msg.Chunk.ID.Short(), msg.ContentHash),
		}}, nil
	}

	if err := msg.Chunk.Verify(); err != nil {
		metrics.IntegrityFailures.Inc()
		for _, idx := range indices {
			if serr := s.SetChunkStatus(idx, Failed(err.Error())); serr != nil {
				log.Debugw("chunk status not updated", "index", idx, "error", serr)
			}
		}
		log.Warnw("chunk failed verification", "hash", msg.ContentHash, "chunk", msg.Chunk.ID.Short(), "from", from, "error", err)
		return []Message{chunkError(msg.ContentHash, indices[0], ErrorIntegrityFailure, err.Error())}, nil
	}

	stored := msg.Chunk.Clone()
	stored.Info.AddReplica(h.local)
	sender := msg.SenderID
	if sender == "" {
		sender = from
	}
	stored.Info.AddReplica(sender)
	if err := h.chunks.Store(stored); err != nil && !errors.Is(err, cache.ErrCapacityExceeded) {
		return nil, fmt.Errorf("failed to store chunk %s: %w", stored.ID.Short(), err)
	}

	completed, err := s.CompleteChunk(indices, stored.ID, stored.Len())
	if err != nil {
		return nil, err
	}
	metrics.ChunkBytes.WithLabelValues(metrics.Download).Add(float64(stored.Len()))

	if completed {
		log.Infow("transfer complete", "hash", msg.ContentHash, "chunks", d.ChunkCount())
		return []Message{&TransferComplete{
			ContentHash: msg.ContentHash,
			TotalBytes:  d.Size,
			Chunks:      d.ChunkCount(),
		}}, nil
	}
	return []Message{&TransferProgress{
		ContentHash:     msg.ContentHash,
		CompletedChunks: s.CompletedChunks(),
		TotalChunks:     d.ChunkCount(),
		Progress:        s.Progress(),
	}}, nil
}

func (h *Handler) handleTransferError(from peer.ID, msg *TransferError) error {
	s, ok := h.sessions.Get(msg.ContentHash)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, msg.ContentHash)
	}
	if s.State().Terminal() {
		return nil
	}

	switch {
	case msg.ErrorType == ErrorCancelled:
		return s.Cancel()
	case msg.ChunkIndex != nil:
		// Chunk-level failures leave the session open for a retry from another peer
		if err := s.SetChunkStatus(*msg.ChunkIndex, Failed(msg.Message)); err != nil {
			log.Debugw("chunk status not updated", "index", *msg.ChunkIndex, "error", err)
		}
		return nil
	default:
		log.Infow("peer reported transfer failure", "hash", msg.ContentHash, "peer", from, "type", msg.ErrorType, "message", msg.Message)
		return s.Fail(msg.ErrorType, msg.Message)
	}
}

func (h *Handler) handleDescriptorAnnouncement(from peer.ID, msg *DescriptorAnnouncement) error {
	if msg.Descriptor == nil {
		return fmt.Errorf("%w: announcement without descriptor", ErrInvalidMessage)
	}
	if err := msg.Descriptor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := h.descriptors.Register(msg.Descriptor); err != nil {
		return err
	}

	s, ok := h.sessions.Get(msg.Descriptor.ContentHash)
	if !ok || s.State().Terminal() {
		return nil
	}
	if s.Descriptor() == nil {
		if err := s.SetDescriptor(msg.Descriptor); err != nil {
			return err
		}
	}

	announcer := msg.Announcer
	if announcer == "" {
		announcer = from
	}
	info, known := s.Peer(announcer)
	if !known {
		info = PeerInfo{ID: announcer, Reliability: DefaultReliability}
	}
	info.AvailableChunks = msg.AvailableChunks
	if len(info.AvailableChunks) == 0 {
		info.AvailableChunks = allIndices(msg.Descriptor.ChunkCount())
	}
	info.LastSeen = time.Time{}
	s.AddPeer(info)
	return nil
}

func chunkError(contentHash string, index uint32, kind ErrorType, message string) *TransferError {
	idx := index
	return &TransferError{
		ContentHash: contentHash,
		ErrorType:   kind,
		Message:     message,
		ChunkIndex:  &idx,
	}
}

func allIndices(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}
