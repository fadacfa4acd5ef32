// Package protocol defines the signaling message protocol exchanged over the
// control channel, plus the session-description and candidate types shared by
// the rest of the client.
package protocol

// SDPType identifies the role of a session description in the offer/answer
// exchange.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

func (t SDPType) String() string { return string(t) }

// SessionDescription is an opaque SDP body tagged with its role.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// IceCandidate identifies one discovered network path for one media line.
type IceCandidate struct {
	Mid        string // media stream identification tag (a=mid)
	MLineIndex int    // zero-based index of the m= line
	Candidate  string // candidate attribute text
}

// Message is the closed set of protocol messages. Only the variants declared
// in this package implement it.
//
// Connected and Closed describe the local channel lifecycle and never travel
// over the wire; the other variants map one-to-one onto wire message types.
type Message interface {
	dispatch(h Handler)
}

// Connected is published when the control channel becomes usable.
type Connected struct{}

// Closed is published when the control channel is gone, whether it failed or
// was closed gracefully.
type Closed struct{}

// Offer carries a session proposal from the remote party (or to it, outbound).
type Offer struct {
	SDP SessionDescription
}

// Answer carries the acceptance of a session this side proposed.
type Answer struct {
	SDP SessionDescription
}

// Candidate announces a discovered network path.
type Candidate struct {
	Candidate IceCandidate
}

// RemoveCandidates invalidates previously announced candidates.
type RemoveCandidates struct {
	Candidates []IceCandidate
}

// Handler receives one callback per message variant. Adding a variant to the
// protocol adds a method here, so every implementation must handle it.
type Handler interface {
	HandleConnected()
	HandleClosed()
	HandleOffer(sdp SessionDescription)
	HandleAnswer(sdp SessionDescription)
	HandleCandidate(c IceCandidate)
	HandleRemoveCandidates(cs []IceCandidate)
}

func (Connected) dispatch(h Handler)          { h.HandleConnected() }
func (Closed) dispatch(h Handler)             { h.HandleClosed() }
func (m Offer) dispatch(h Handler)            { h.HandleOffer(m.SDP) }
func (m Answer) dispatch(h Handler)           { h.HandleAnswer(m.SDP) }
func (m Candidate) dispatch(h Handler)        { h.HandleCandidate(m.Candidate) }
func (m RemoveCandidates) dispatch(h Handler) { h.HandleRemoveCandidates(m.Candidates) }

// Dispatch routes msg to the matching Handler method. A nil message is ignored.
func Dispatch(msg Message, h Handler) {
	if msg == nil {
		return
	}
	msg.dispatch(h)
}

// Name returns a short, log-friendly name for the message variant.
func Name(msg Message) string {
	switch msg.(type) {
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Offer:
		return typeOffer
	case Answer:
		return typeAnswer
	case Candidate:
		return typeCandidate
	case RemoveCandidates:
		return typeRemoveCandidates
	default:
		return "unknown"
	}
}
