package protocol

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

// Message is one variant of the transfer protocol
type Message interface {
	MessageType() string
}

const (
	TypeTransferRequest        = "transfer_request"
	TypeTransferResponse       = "transfer_response"
	TypeChunkRequest           = "chunk_request"
	TypeChunkData              = "chunk_data"
	TypeTransferProgress       = "transfer_progress"
	TypeTransferComplete       = "transfer_complete"
	TypeTransferError          = "transfer_error"
	TypeHeartbeat              = "heartbeat"
	TypeDescriptorAnnouncement = "descriptor_announcement"
)

// TransferRequest asks a peer to serve an object
type TransferRequest struct {
	ContentHash    string   `json:"content_hash"`
	RequesterID    peer.ID  `json:"requester_id"`
	Priority       Priority `json:"priority"`
	BandwidthLimit uint64   `json:"bandwidth_limit,omitempty"` // bytes/s, 0 means none
}

// TransferResponse accepts or rejects a TransferRequest
type TransferResponse struct {
	ContentHash   string                 `json:"content_hash"`
	Accepted      bool                   `json:"accepted"`
	Reason        string                 `json:"reason,omitempty"`
	EstimatedTime time.Duration          `json:"estimated_time,omitempty"`
	Descriptor    *descriptor.Descriptor `json:"descriptor,omitempty"`
}

// ChunkRequest asks for the chunks at the given indices
type ChunkRequest struct {
	ContentHash  string   `json:"content_hash"`
	ChunkIndices []uint32 `json:"chunk_indices"`
	RequestedBy  peer.ID  `json:"requested_by"`
	SequenceID   uint64   `json:"sequence_id"`
}

// ChunkData delivers one chunk of an object
type ChunkData struct {
	ContentHash string       `json:"content_hash"`
	Chunk       *chunk.Chunk `json:"chunk"`
	SequenceID  uint64       `json:"sequence_id"`
	SenderID    peer.ID      `json:"sender_id"`
}

// TransferProgress reports how far a receiver has got
type TransferProgress struct {
	ContentHash     string  `json:"content_hash"`
	CompletedChunks int     `json:"completed_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Progress        float64 `json:"progress"`
}

// TransferComplete signals every chunk was received and verified
type TransferComplete struct {
	ContentHash string `json:"content_hash"`
	TotalBytes  uint64 `json:"total_bytes"`
	Chunks      int    `json:"chunks"`
}

// TransferError reports a failure for a session
type TransferError struct {
	ContentHash string        `json:"content_hash"`
	ErrorType   ErrorType     `json:"error_type"`
	Message     string        `json:"message"`
	ChunkIndex  *uint32       `json:"chunk_index,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

// Heartbeat keeps an idle session alive
type Heartbeat struct {
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// DescriptorAnnouncement publishes an object's descriptor and the chunks the announcer holds
type DescriptorAnnouncement struct {
	Descriptor      *descriptor.Descriptor `json:"descriptor"`
	Announcer       peer.ID                `json:"announcer"`
	AvailableChunks []uint32               `json:"available_chunks"`
}

func (TransferRequest) MessageType() string        { return TypeTransferRequest }
func (TransferResponse) MessageType() string       { return TypeTransferResponse }
func (ChunkRequest) MessageType() string           { return TypeChunkRequest }
func (ChunkData) MessageType() string              { return TypeChunkData }
func (TransferProgress) MessageType() string       { return TypeTransferProgress }
func (TransferComplete) MessageType() string       { return TypeTransferComplete }
func (TransferError) MessageType() string          { return TypeTransferError }
func (Heartbeat) MessageType() string              { return TypeHeartbeat }
func (DescriptorAnnouncement) MessageType() string { return TypeDescriptorAnnouncement }

// ContentHashOf returns the object a message refers to, or "" if it names none
func ContentHashOf(m Message) string {
	switch msg := m.(type) {
	case *TransferRequest:
		return msg.ContentHash
	case *TransferResponse:
		return msg.ContentHash
	case *ChunkRequest:
		return msg.ContentHash
	case *ChunkData:
		return msg.ContentHash
	case *TransferProgress:
		return msg.ContentHash
	case *TransferComplete:
		return msg.ContentHash
	case *TransferError:
		return msg.ContentHash
	case *Heartbeat:
		return msg.ContentHash
	case *DescriptorAnnouncement:
		if msg.Descriptor != nil {
			return msg.Descriptor.ContentHash
		}
	}
	return ""
}
