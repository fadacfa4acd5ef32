package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Wire discriminator values.
const (
	typeOffer            = "offer"
	typeAnswer           = "answer"
	typeCandidate        = "candidate"
	typeRemoveCandidates = "remove-candidates"
)

// maxLabel is the largest media line index a candidate may name.
const maxLabel = math.MaxUint16

var (
	// ErrUnknownType is returned by Decode for an unrecognized discriminator.
	ErrUnknownType = errors.New("unknown message type")

	// ErrLocalOnly is returned by Encode for lifecycle messages that have no
	// wire form.
	ErrLocalOnly = errors.New("message has no wire form")
)

// wireCandidate is the JSON shape of a single candidate.
type wireCandidate struct {
	Label     *int    `json:"label"`
	ID        *string `json:"id"`
	Candidate *string `json:"candidate"`
}

// wireMessage is the union of every field any wire message may carry.
type wireMessage struct {
	Type       string          `json:"type"`
	SDP        *string         `json:"sdp,omitempty"`
	Label      *int            `json:"label,omitempty"`
	ID         *string         `json:"id,omitempty"`
	Candidate  *string         `json:"candidate,omitempty"`
	Candidates []wireCandidate `json:"candidates,omitempty"`
}

func toWire(c IceCandidate) wireCandidate {
	label, id, text := c.MLineIndex, c.Mid, c.Candidate
	return wireCandidate{Label: &label, ID: &id, Candidate: &text}
}

func (w wireCandidate) toCandidate() (IceCandidate, error) {
	if w.Label == nil || w.ID == nil || w.Candidate == nil {
		return IceCandidate{}, errors.New("candidate requires label, id and candidate")
	}
	if *w.Label < 0 || *w.Label > maxLabel {
		return IceCandidate{}, fmt.Errorf("candidate label %d out of range", *w.Label)
	}
	return IceCandidate{Mid: *w.ID, MLineIndex: *w.Label, Candidate: *w.Candidate}, nil
}

// Encode serializes a message into its JSON wire form.
func Encode(msg Message) ([]byte, error) {
	var w wireMessage

	switch m := msg.(type) {
	case Offer:
		sdp := m.SDP.SDP
		w = wireMessage{Type: typeOffer, SDP: &sdp}
	case Answer:
		sdp := m.SDP.SDP
		w = wireMessage{Type: typeAnswer, SDP: &sdp}
	case Candidate:
		c := toWire(m.Candidate)
		w = wireMessage{Type: typeCandidate, Label: c.Label, ID: c.ID, Candidate: c.Candidate}
	case RemoveCandidates:
		// Always emit the array, even when empty.
		cs := make([]wireCandidate, 0, len(m.Candidates))
		for _, c := range m.Candidates {
			cs = append(cs, toWire(c))
		}
		return json.Marshal(struct {
			Type       string          `json:"type"`
			Candidates []wireCandidate `json:"candidates"`
		}{Type: typeRemoveCandidates, Candidates: cs})
	case Connected, Closed:
		return nil, fmt.Errorf("encode %s: %w", Name(msg), ErrLocalOnly)
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownType)
	}

	return json.Marshal(w)
}

// Decode parses a JSON text frame into a message, inspecting the "type"
// discriminator.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch w.Type {
	case typeOffer, typeAnswer:
		if w.SDP == nil {
			return nil, fmt.Errorf("decode %s: missing sdp", w.Type)
		}
		if w.Type == typeOffer {
			return Offer{SDP: SessionDescription{Type: SDPTypeOffer, SDP: *w.SDP}}, nil
		}
		return Answer{SDP: SessionDescription{Type: SDPTypeAnswer, SDP: *w.SDP}}, nil

	case typeCandidate:
		c, err := wireCandidate{Label: w.Label, ID: w.ID, Candidate: w.Candidate}.toCandidate()
		if err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		return Candidate{Candidate: c}, nil

	case typeRemoveCandidates:
		if w.Candidates == nil {
			return nil, errors.New("decode remove-candidates: missing candidates")
		}
		cs := make([]IceCandidate, 0, len(w.Candidates))
		for i, wc := range w.Candidates {
			c, err := wc.toCandidate()
			if err != nil {
				return nil, fmt.Errorf("decode remove-candidates[%d]: %w", i, err)
			}
			cs = append(cs, c)
		}
		return RemoveCandidates{Candidates: cs}, nil

	case "":
		return nil, fmt.Errorf("decode message: missing type: %w", ErrUnknownType)

	default:
		return nil, fmt.Errorf("decode message %q: %w", w.Type, ErrUnknownType)
	}
}
