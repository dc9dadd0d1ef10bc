// Package wire defines the messages peers exchange over the transport and their encoding.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	pcap "github.com/VetheonGames/FileZap/StorageCore/pkg/peer"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/protocol"
)

var (
	ErrMalformed   = errors.New("malformed network message")
	ErrUnknownType = errors.New("unknown network message type")
)

// Message is one variant of the network message taxonomy
type Message interface {
	Type() string
}

const (
	TypeChunkAnnouncement    = "chunk_announcement"
	TypeChunkRequest         = "chunk_request"
	TypeChunkResponse        = "chunk_response"
	TypeTransferControl      = "transfer_control"
	TypeBandwidthNegotiation = "bandwidth_negotiation"
	TypeCapabilityUpdate     = "capability_update"
)

// ChunkAnnouncement advertises chunks a peer holds
type ChunkAnnouncement struct {
	Peer      peer.ID    `json:"peer"`
	ChunkIDs  []chunk.ID `json:"chunk_ids"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChunkRequest asks for a single chunk by id
type ChunkRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	ChunkID   chunk.ID  `json:"chunk_id"`
	Requester peer.ID   `json:"requester"`
}

// ChunkResponse answers a ChunkRequest. A nil Chunk with no Error means the peer does not
// have it. A zero RequestID marks an unsolicited push, used for replica placement.
type ChunkResponse struct {
	RequestID uuid.UUID    `json:"request_id"`
	ChunkID   chunk.ID     `json:"chunk_id"`
	Chunk     *chunk.Chunk `json:"chunk,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Unsolicited reports whether the response was pushed without a request
func (r *ChunkResponse) Unsolicited() bool {
	return r.RequestID == uuid.Nil
}

// TransferControl carries a session protocol message
type TransferControl struct {
	Message protocol.Message `json:"-"`
}

// BandwidthNegotiation tells a peer the rates the sender will accept, in bytes per second
type BandwidthNegotiation struct {
	Peer        peer.ID `json:"peer"`
	MaxUpload   uint64  `json:"max_upload"`
	MaxDownload uint64  `json:"max_download"`
}

// CapabilityUpdate advertises a peer's storage and codec support
type CapabilityUpdate struct {
	Peer         peer.ID            `json:"peer"`
	Capabilities pcap.Capabilities `json:"capabilities"`
}

func (ChunkAnnouncement) Type() string    { return TypeChunkAnnouncement }
func (ChunkRequest) Type() string         { return TypeChunkRequest }
func (ChunkResponse) Type() string        { return TypeChunkResponse }
func (TransferControl) Type() string      { return TypeTransferControl }
func (BandwidthNegotiation) Type() string { return TypeBandwidthNegotiation }
func (CapabilityUpdate) Type() string     { return TypeCapabilityUpdate }

// MarshalJSON encodes the inner protocol message with its type tag
func (t TransferControl) MarshalJSON() ([]byte, error) {
	return protocol.Marshal(t.Message)
}

// UnmarshalJSON decodes a tagged protocol message
func (t *TransferControl) UnmarshalJSON(data []byte) error {
	m, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}
	t.Message = m
	return nil
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message with its type tag
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Payload: payload})
}

// Decode parses a tagged message. Decoded messages are always pointers.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch env.Type {
	case TypeChunkAnnouncement:
		m = &ChunkAnnouncement{}
	case TypeChunkRequest:
		m = &ChunkRequest{}
	case TypeChunkResponse:
		m = &ChunkResponse{}
	case TypeTransferControl:
		m = &TransferControl{}
	case TypeBandwidthNegotiation:
		m = &BandwidthNegotiation{}
	case TypeCapabilityUpdate:
		m = &CapabilityUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return m, nil
}

// Inbound is a decoded message together with the peer that sent it
type Inbound struct {
	From    peer.ID
	Message Message
}
