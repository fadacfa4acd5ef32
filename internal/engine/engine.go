// Package engine defines the media-engine capability the signaling layer
// drives, and a pion/webrtc backed implementation of it.
//
// A Session is not safe for concurrent use. Callers serialize every call
// onto one execution context; Observer callbacks may arrive on any
// goroutine and must be re-posted by the receiver.
package engine

import (
	"errors"

	"github.com/1ureka/morph/internal/icedir"
	"github.com/1ureka/morph/internal/protocol"
)

// ErrUnsupported is returned by operations the engine cannot perform.
var ErrUnsupported = errors.New("engine: operation not supported")

// DefaultDataChannelLabel names the session's data channel.
const DefaultDataChannelLabel = "MorphData"

// ConnectionState mirrors the peer connection lifecycle.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaConfig is the explicit media setup of a session. An engine lists
// VideoCodec and AudioCodec first in the descriptions it generates.
type MediaConfig struct {
	VideoCodec            string
	AudioCodec            string
	VideoStartBitrateKbps int
	AudioStartBitrateKbps int
	ReceiveAudio          bool
	ReceiveVideo          bool
	DataChannelLabel      string
}

// SessionConfig is everything a new session needs.
type SessionConfig struct {
	ICEServers []icedir.Server
	Media      MediaConfig
}

// Observer receives asynchronous session events.
type Observer interface {
	OnICECandidate(protocol.IceCandidate)
	OnICECandidatesRemoved([]protocol.IceCandidate)
	OnConnectionStateChange(ConnectionState)
}

// Session is one underlying peer-connection object.
type Session interface {
	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(protocol.SessionDescription) error
	SetRemoteDescription(protocol.SessionDescription) error
	AddICECandidate(protocol.IceCandidate) error
	RemoveICECandidates([]protocol.IceCandidate) error

	// StopCapture stops the capture device, if any.
	StopCapture() error
	// ReleaseMedia stops and releases local tracks.
	ReleaseMedia()
	Close() error
}

// Engine creates sessions.
type Engine interface {
	NewSession(cfg SessionConfig, obs Observer) (Session, error)
}
