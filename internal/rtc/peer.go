package rtc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/morph/internal/engine"
	"github.com/1ureka/morph/internal/protocol"
	"github.com/1ureka/morph/internal/sdptransform"
	"github.com/1ureka/morph/internal/util"
)

// ErrDisposal reports that a session could not be torn down cleanly.
var ErrDisposal = errors.New("rtc: session disposal interrupted")

// PeerListener receives a Peer's asynchronous events on the queue. The id
// identifies the Peer that raised the event; events from a disposed Peer are
// never delivered.
type PeerListener interface {
	OnPeerIceCandidate(id uuid.UUID, c protocol.IceCandidate)
	OnPeerIceCandidatesRemoved(id uuid.UUID, cs []protocol.IceCandidate)
	OnPeerConnectionState(id uuid.UUID, s engine.ConnectionState)
}

// PeerOptions configures a Peer.
type PeerOptions struct {
	Queue    *Queue
	Engine   engine.Engine
	Config   engine.SessionConfig
	Listener PeerListener
	Logger   *util.Logger
}

type queueMode int

const (
	queuePending queueMode = iota // remote description not set yet
	queueDrained                  // candidates apply immediately
)

// candidateQueue holds remote candidates until the remote description is
// set.
type candidateQueue struct {
	mode    queueMode
	pending []protocol.IceCandidate
}

// Peer is one negotiated session bound to one engine session. Every method
// posts onto the queue and returns immediately.
type Peer struct {
	id       uuid.UUID
	q        *Queue
	session  engine.Session
	media    engine.MediaConfig
	listener PeerListener
	log      *util.Logger

	// Owned by the queue.
	disposed   bool
	offering   bool
	remoteSet  bool
	candidates candidateQueue
	local      *protocol.SessionDescription
}

// NewPeer creates the engine session. It must be called on opts.Queue.
func NewPeer(opts PeerOptions) (*Peer, error) {
	p := &Peer{
		id:       uuid.New(),
		q:        opts.Queue,
		media:    opts.Config.Media,
		listener: opts.Listener,
		log:      opts.Logger,
	}
	if p.log == nil {
		p.log = util.NewLogger("peer")
	}

	session, err := opts.Engine.NewSession(opts.Config, peerObserver{p})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	p.session = session
	p.log.Debugf("peer %s created with %d ICE server(s)", p.id, len(opts.Config.ICEServers))
	return p, nil
}

// ID identifies this Peer across callbacks.
func (p *Peer) ID() uuid.UUID { return p.id }

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer creates a local offer, commits it as the local description,
// then passes it to onOffer.
//
// The engine's own offer is committed and onOffer receives it with the
// codec preference applied. Engines reject a local description that differs
// from the one they generated; they order codecs per engine.MediaConfig, so
// the two texts normally match.
func (p *Peer) CreateOffer(onOffer func(protocol.SessionDescription), onError func(error)) {
	var offer protocol.SessionDescription
	p.pipeline("create offer", onError,
		func() (err error) {
			offer, err = p.session.CreateOffer()
			return err
		},
		func() error {
			p.offering = true
			p.holdLocal(offer)
			return p.session.SetLocalDescription(offer)
		},
		func() error {
			onOffer(*p.local)
			return nil
		},
	)
}

// CreateAnswer applies offer as the remote description, creates an answer
// and commits it locally. onAnswer runs only after the commit; any failure
// calls onError once and stops the pipeline.
func (p *Peer) CreateAnswer(offer protocol.SessionDescription, onAnswer func(protocol.SessionDescription), onError func(error)) {
	var answer protocol.SessionDescription
	p.pipeline("create answer", onError,
		func() error {
			return p.applyRemote(offer)
		},
		func() (err error) {
			answer, err = p.session.CreateAnswer()
			return err
		},
		func() error {
			p.holdLocal(answer)
			return p.session.SetLocalDescription(answer)
		},
		func() error {
			onAnswer(*p.local)
			return nil
		},
	)
}

// SetRemoteDescription applies the remote answer to an offer this Peer made.
// A repeated answer is logged and ignored; the session keeps the first one.
func (p *Peer) SetRemoteDescription(answer protocol.SessionDescription, onError func(error)) {
	p.pipeline("set remote answer", onError,
		func() error {
			if !p.offering {
				return errors.New("no local offer outstanding")
			}
			if p.remoteSet {
				p.log.Warnf("peer %s: ignoring repeated answer", p.id)
				return nil
			}
			return p.applyRemote(answer)
		},
	)
}

// AddRemoteIceCandidate applies c, or queues it until the remote
// description is set.
func (p *Peer) AddRemoteIceCandidate(c protocol.IceCandidate) {
	p.q.Post(func() {
		if p.disposed {
			return
		}
		if p.candidates.mode == queuePending {
			p.candidates.pending = append(p.candidates.pending, c)
			return
		}
		p.addCandidate(c)
	})
}

// RemoveRemoteIceCandidates drains queued candidates first so removal sees
// them in order.
func (p *Peer) RemoveRemoteIceCandidates(cs []protocol.IceCandidate) {
	p.q.Post(func() {
		if p.disposed {
			return
		}
		p.drain()
		if err := p.session.RemoveICECandidates(cs); err != nil {
			if errors.Is(err, engine.ErrUnsupported) {
				p.log.Debugf("peer %s: engine cannot remove %d candidate(s)", p.id, len(cs))
				return
			}
			p.log.Warnf("peer %s: remove candidates: %v", p.id, err)
		}
	})
}

// Dispose stops capture, releases media and closes the session, in that
// order. onDone (optional) receives ErrDisposal if capture could not be
// stopped. Disposing twice is a no-op.
func (p *Peer) Dispose(onDone func(error)) {
	p.q.Post(func() {
		err := p.dispose()
		if onDone != nil {
			onDone(err)
		}
	})
}

func (p *Peer) dispose() error {
	if p.disposed {
		return nil
	}
	p.disposed = true
	p.candidates = candidateQueue{mode: queueDrained}

	var result error
	if err := p.session.StopCapture(); err != nil {
		p.log.Errorf("peer %s: stop capture: %v", p.id, err)
		result = ErrDisposal
	}
	p.session.ReleaseMedia()
	if err := p.session.Close(); err != nil {
		p.log.Warnf("peer %s: close session: %v", p.id, err)
	}
	p.log.Debugf("peer %s disposed", p.id)
	return result
}

// ---------------------------------------------------------------------------
// Helpers (queue only)
// ---------------------------------------------------------------------------

// pipeline runs stages in order on the queue. The first failing stage ends
// the pipeline and is reported to onError.
func (p *Peer) pipeline(op string, onError func(error), stages ...func() error) {
	p.q.Post(func() {
		for _, stage := range stages {
			if p.disposed {
				return
			}
			if err := stage(); err != nil {
				p.log.Warnf("peer %s: %s: %v", p.id, op, err)
				onError(fmt.Errorf("%s: %w", op, err))
				return
			}
		}
	})
}

// applyRemote transforms and sets a remote description, then drains.
func (p *Peer) applyRemote(desc protocol.SessionDescription) error {
	desc.SDP = p.transformRemote(desc.SDP)
	if err := p.session.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.remoteSet = true
	p.drain()
	return nil
}

func (p *Peer) drain() {
	if p.candidates.mode == queueDrained {
		return
	}
	pending := p.candidates.pending
	p.candidates = candidateQueue{mode: queueDrained}
	if len(pending) > 0 {
		p.log.Debugf("peer %s: applying %d queued candidate(s)", p.id, len(pending))
	}
	for _, c := range pending {
		p.addCandidate(c)
	}
}

func (p *Peer) addCandidate(c protocol.IceCandidate) {
	if err := p.session.AddICECandidate(c); err != nil {
		p.log.Warnf("peer %s: add candidate %q: %v", p.id, c.Candidate, err)
	}
}

// holdLocal keeps the outbound form of a generated local description until
// it is committed.
func (p *Peer) holdLocal(desc protocol.SessionDescription) {
	p.local = &protocol.SessionDescription{Type: desc.Type, SDP: p.transformLocal(desc.SDP)}
}

func (p *Peer) transformLocal(body string) string {
	if p.media.VideoCodec == "" {
		return body
	}
	return sdptransform.PreferCodec(body, p.media.VideoCodec, false)
}

func (p *Peer) transformRemote(body string) string {
	body = p.transformLocal(body)
	if p.media.AudioCodec != "" && p.media.AudioStartBitrateKbps > 0 {
		body = sdptransform.SetStartBitrate(p.media.AudioCodec, false, body, p.media.AudioStartBitrateKbps)
	}
	if p.media.VideoCodec != "" && p.media.VideoStartBitrateKbps > 0 {
		body = sdptransform.SetStartBitrate(p.media.VideoCodec, true, body, p.media.VideoStartBitrateKbps)
	}
	return body
}

// peerObserver re-posts engine callbacks onto the queue. A disposed Peer
// drops them.
type peerObserver struct{ p *Peer }

func (o peerObserver) OnICECandidate(c protocol.IceCandidate) {
	p := o.p
	p.q.Post(func() {
		if !p.disposed && p.listener != nil {
			p.listener.OnPeerIceCandidate(p.id, c)
		}
	})
}

func (o peerObserver) OnICECandidatesRemoved(cs []protocol.IceCandidate) {
	p := o.p
	p.q.Post(func() {
		if !p.disposed && p.listener != nil {
			p.listener.OnPeerIceCandidatesRemoved(p.id, cs)
		}
	})
}

func (o peerObserver) OnConnectionStateChange(s engine.ConnectionState) {
	p := o.p
	p.q.Post(func() {
		if !p.disposed && p.listener != nil {
			p.listener.OnPeerConnectionState(p.id, s)
		}
	})
}
