package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newMessage(kind string) (Message, bool) {
	switch kind {
	case TypeTransferRequest:
		return &TransferRequest{}, true
	case TypeTransferResponse:
		return &TransferResponse{}, true
	case TypeChunkRequest:
		return &ChunkRequest{}, true
	case TypeChunkData:
		return &ChunkData{}, true
	case TypeTransferProgress:
		return &TransferProgress{}, true
	case TypeTransferComplete:
		return &TransferComplete{}, true
	case TypeTransferError:
		return &TransferError{}, true
	case TypeHeartbeat:
		return &Heartbeat{}, true
	case TypeDescriptorAnnouncement:
		return &DescriptorAnnouncement{}, true
	}
	return nil, false
}

// Marshal encodes a message together with its type tag
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(envelope{Type: m.MessageType(), Payload: payload})
}

// Unmarshal decodes a tagged message. Decoded messages are always pointers.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m, ok := newMessage(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s has no payload", ErrInvalidMessage, env.Type)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return m, nil
}

// Envelope embeds a Message, with its type tag, inside another JSON document
type Envelope struct {
	Message Message
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return Marshal(e.Message)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	m, err := Unmarshal(data)
	if err != nil {
		return err
	}
	e.Message = m
	return nil
}
