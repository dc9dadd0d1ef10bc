package protocol

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
)

// State is the lifecycle state of a transfer session
type State uint8

const (
	StateInitiating State = iota
	StatePending
	StateActive
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// forward lists the non-failure transitions; Failed and Cancelled are reachable from
// every non-terminal state.
var forward = map[State][]State{
	StateInitiating: {StatePending, StateActive},
	StatePending:    {StateActive},
	StateActive:     {StatePaused, StateCompleted},
	StatePaused:     {StateActive},
}

func canTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorType classifies transfer failures
type ErrorType uint8

const (
	ErrorUnknown ErrorType = iota
	ErrorNetwork
	ErrorTimeout
	ErrorIntegrityFailure
	ErrorBandwidthLimited
	ErrorStorageFull
	ErrorUnauthorized
	ErrorCancelled
)

func (e ErrorType) String() string {
	switch e {
	case ErrorNetwork:
		return "network_error"
	case ErrorTimeout:
		return "timeout"
	case ErrorIntegrityFailure:
		return "integrity_failure"
	case ErrorBandwidthLimited:
		return "bandwidth_limited"
	case ErrorStorageFull:
		return "storage_full"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Priority orders competing transfers
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// StatusKind is the per-chunk download status
type StatusKind uint8

const (
	StatusUnknown StatusKind = iota
	StatusAvailable
	StatusDownloading
	StatusComplete
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusAvailable:
		return "available"
	case StatusDownloading:
		return "downloading"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkStatus tracks one chunk index. Only the fields relevant to Kind are set.
type ChunkStatus struct {
	Kind    StatusKind
	Peers   []peer.ID // Available
	Peer    peer.ID   // Downloading
	Started time.Time // Downloading
	ChunkID chunk.ID  // Complete
	Reason  string    // Failed
}

// Available marks a chunk as offered by peers
func Available(peers ...peer.ID) ChunkStatus {
	return ChunkStatus{Kind: StatusAvailable, Peers: peers}
}

// Downloading marks a chunk as in flight from p since started
func Downloading(p peer.ID, started time.Time) ChunkStatus {
	return ChunkStatus{Kind: StatusDownloading, Peer: p, Started: started}
}

// Complete marks a chunk as received and verified
func Complete(id chunk.ID) ChunkStatus {
	return ChunkStatus{Kind: StatusComplete, ChunkID: id}
}

// Failed marks a chunk attempt as failed
func Failed(reason string) ChunkStatus {
	return ChunkStatus{Kind: StatusFailed, Reason: reason}
}

func (s ChunkStatus) String() string {
	switch s.Kind {
	case StatusDownloading:
		return fmt.Sprintf("downloading from %s", s.Peer)
	case StatusComplete:
		return fmt.Sprintf("complete (%s)", s.ChunkID.Short())
	case StatusFailed:
		return fmt.Sprintf("failed: %s", s.Reason)
	default:
		return s.Kind.String()
	}
}
