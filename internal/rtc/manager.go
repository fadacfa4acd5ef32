package rtc

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/morph/internal/config"
	"github.com/1ureka/morph/internal/engine"
	"github.com/1ureka/morph/internal/icedir"
	"github.com/1ureka/morph/internal/protocol"
	"github.com/1ureka/morph/internal/util"
)

const defaultFetchTimeout = 10 * time.Second

// Channel is the control channel the manager signals over.
type Channel interface {
	Subscribe(func(protocol.Message)) (unsubscribe func())
	Send(protocol.Message)
}

// Directory yields the ICE servers for a new session.
type Directory interface {
	Fetch(ctx context.Context) ([]icedir.Server, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Channel   Channel
	Engine    engine.Engine
	Directory Directory
	Queue     *Queue

	// Role decides whether Connected starts an offer. Defaults to
	// config.RoleOfferer. An inbound Offer is answered in either role.
	Role  config.Role
	Media engine.MediaConfig

	// FetchTimeout bounds each directory request. Defaults to 10s.
	FetchTimeout time.Duration

	Logger *util.Logger
}

// managerState is one of idleState, fetchingState or activeState.
type managerState interface{ managerState() }

// idleState has no session. Candidates and a remote offer received so far
// wait here for the next negotiation.
type idleState struct {
	candidates []protocol.IceCandidate
	offer      *protocol.SessionDescription
}

// fetchingState waits for the directory. A nil offer means this side offers.
type fetchingState struct {
	gen        uint64
	cancel     context.CancelFunc
	candidates []protocol.IceCandidate
	offer      *protocol.SessionDescription
}

// activeState owns the live Peer.
type activeState struct {
	peer     *Peer
	offering bool
}

func (idleState) managerState()     {}
func (fetchingState) managerState() {}
func (activeState) managerState()   {}

// Manager drives one Peer at a time from the messages of a Channel.
//
// Its protocol.Handler methods run on the queue; Start wires the channel to
// them.
type Manager struct {
	ch       Channel
	eng      engine.Engine
	dir      Directory
	q        *Queue
	role     config.Role
	media    engine.MediaConfig
	timeout  time.Duration
	log      *util.Logger
	listener managerPeerListener

	// Owned by the queue.
	ctx         context.Context
	state       managerState
	gen         uint64
	unsubscribe func()
}

// NewManager creates an idle manager. Nothing happens until Start.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		ch:      opts.Channel,
		eng:     opts.Engine,
		dir:     opts.Directory,
		q:       opts.Queue,
		role:    opts.Role,
		media:   opts.Media,
		timeout: opts.FetchTimeout,
		log:     opts.Logger,
		ctx:     context.Background(),
		state:   idleState{},
	}
	if m.timeout <= 0 {
		m.timeout = defaultFetchTimeout
	}
	if m.log == nil {
		m.log = util.NewLogger("rtc")
	}
	if m.role == "" {
		m.role = config.RoleOfferer
	}
	m.listener = managerPeerListener{m}
	return m
}

// Start subscribes to the channel. ctx bounds directory requests.
func (m *Manager) Start(ctx context.Context) {
	m.q.Post(func() {
		if m.unsubscribe != nil {
			return
		}
		m.ctx = ctx
		m.log.Infof("starting as %s", m.role)
		m.unsubscribe = m.ch.Subscribe(func(msg protocol.Message) {
			m.q.Post(func() {
				if m.unsubscribe != nil {
					protocol.Dispatch(msg, m)
				}
			})
		})
	})
}

// Stop unsubscribes and disposes the current session. It blocks until the
// session is disposed and must not be called from the queue.
func (m *Manager) Stop() {
	disposed := make(chan struct{})
	posted := m.q.Post(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
			m.unsubscribe = nil
		}
		m.reset(func() { close(disposed) })
		m.log.Infof("stopped")
	})
	if !posted {
		return
	}

	select {
	case <-disposed:
	case <-m.q.done:
	}
}

// ---------------------------------------------------------------------------
// protocol.Handler
// ---------------------------------------------------------------------------

func (m *Manager) HandleConnected() {
	switch st := m.state.(type) {
	case idleState:
		switch {
		case st.offer != nil:
			m.log.Infof("channel connected, answering pending offer")
			m.startFetch(st.offer, st.candidates)
		case m.role == config.RoleOfferer:
			m.log.Infof("channel connected, starting negotiation")
			m.startFetch(nil, st.candidates)
		default:
			m.log.Infof("channel connected, waiting for remote offer")
		}
	default:
		m.log.Debugf("connected while negotiating, ignoring")
	}
}

func (m *Manager) HandleClosed() {
	m.log.Infof("channel closed, resetting session")
	m.reset()
}

func (m *Manager) HandleOffer(offer protocol.SessionDescription) {
	switch st := m.state.(type) {
	case idleState:
		m.startFetch(&offer, st.candidates)
	case fetchingState:
		// The remote offer wins over one this side was about to make.
		st.offer = &offer
		m.state = st
	case activeState:
		m.log.Infof("remote restarted negotiation, replacing session")
		m.reset()
		m.startFetch(&offer, nil)
	}
}

func (m *Manager) HandleAnswer(answer protocol.SessionDescription) {
	st, ok := m.state.(activeState)
	if !ok || !st.offering {
		m.log.Warnf("ignoring answer without an outstanding offer")
		return
	}
	id := st.peer.ID()
	st.peer.SetRemoteDescription(answer, func(err error) { m.onNegotiationError(id, err) })
}

func (m *Manager) HandleCandidate(c protocol.IceCandidate) {
	switch st := m.state.(type) {
	case idleState:
		st.candidates = append(st.candidates, c)
		m.state = st
	case fetchingState:
		st.candidates = append(st.candidates, c)
		m.state = st
	case activeState:
		st.peer.AddRemoteIceCandidate(c)
	}
}

func (m *Manager) HandleRemoveCandidates(cs []protocol.IceCandidate) {
	switch st := m.state.(type) {
	case idleState:
		st.candidates = withoutCandidates(st.candidates, cs)
		m.state = st
	case fetchingState:
		st.candidates = withoutCandidates(st.candidates, cs)
		m.state = st
	case activeState:
		st.peer.RemoveRemoteIceCandidates(cs)
	}
}

// ---------------------------------------------------------------------------
// Negotiation (queue only)
// ---------------------------------------------------------------------------

// startFetch requests ICE servers for a new session. A nil offer makes this
// side the offerer.
func (m *Manager) startFetch(offer *protocol.SessionDescription, candidates []protocol.IceCandidate) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	m.state = fetchingState{gen: gen, cancel: cancel, candidates: candidates, offer: offer}

	go func() {
		servers, err := m.dir.Fetch(ctx)
		cancel()
		m.q.Post(func() { m.onFetched(gen, servers, err) })
	}()
}

func (m *Manager) onFetched(gen uint64, servers []icedir.Server, err error) {
	st, ok := m.state.(fetchingState)
	if !ok || st.gen != gen {
		return
	}
	if err == nil && len(servers) == 0 {
		err = icedir.ErrNoServers
	}
	if err != nil {
		// No retry; the next Connected or Offer starts over.
		m.log.Warnf("ICE server fetch failed: %v", err)
		m.state = idleState{candidates: st.candidates, offer: st.offer}
		return
	}

	peer, err := NewPeer(PeerOptions{
		Queue:    m.q,
		Engine:   m.eng,
		Config:   engine.SessionConfig{ICEServers: servers, Media: m.media},
		Listener: m.listener,
		Logger:   m.log,
	})
	if err != nil {
		m.log.Errorf("failed to create session: %v", err)
		util.Stats.AddFailure()
		m.state = idleState{}
		return
	}
	util.Stats.AddSession()

	offering := st.offer == nil
	m.state = activeState{peer: peer, offering: offering}
	for _, c := range st.candidates {
		peer.AddRemoteIceCandidate(c)
	}

	id := peer.ID()
	onError := func(err error) { m.onNegotiationError(id, err) }
	if offering {
		m.log.Infof("creating offer (peer %s)", id)
		peer.CreateOffer(func(d protocol.SessionDescription) { m.onLocalDescription(id, d) }, onError)
		return
	}
	m.log.Infof("answering remote offer (peer %s)", id)
	peer.CreateAnswer(*st.offer, func(d protocol.SessionDescription) { m.onLocalDescription(id, d) }, onError)
}

// current returns the active Peer if it is the one identified by id.
func (m *Manager) current(id uuid.UUID) (*Peer, bool) {
	st, ok := m.state.(activeState)
	if !ok || st.peer.ID() != id {
		return nil, false
	}
	return st.peer, true
}

func (m *Manager) onLocalDescription(id uuid.UUID, desc protocol.SessionDescription) {
	if _, ok := m.current(id); !ok {
		return
	}
	if desc.Type == protocol.SDPTypeAnswer {
		m.ch.Send(protocol.Answer{SDP: desc})
		return
	}
	m.ch.Send(protocol.Offer{SDP: desc})
}

func (m *Manager) onNegotiationError(id uuid.UUID, err error) {
	if _, ok := m.current(id); !ok {
		return
	}
	m.log.Errorf("negotiation failed: %v", err)
	util.Stats.AddFailure()
	m.reset()
}

// reset disposes the session or abandons a fetch, and drops every queued
// candidate and offer. onDisposed (optional) runs on the queue once the
// session, if any, is disposed.
func (m *Manager) reset(onDisposed ...func()) {
	done := func() {
		for _, fn := range onDisposed {
			fn()
		}
	}

	switch st := m.state.(type) {
	case fetchingState:
		st.cancel()
		done()
	case activeState:
		id := st.peer.ID()
		st.peer.Dispose(func(err error) {
			if err != nil {
				m.log.Errorf("peer %s: %v", id, err)
			}
			done()
		})
	default:
		done()
	}
	m.gen++
	m.state = idleState{}
}

// managerPeerListener forwards events of the current Peer to the channel.
type managerPeerListener struct{ m *Manager }

func (l managerPeerListener) OnPeerIceCandidate(id uuid.UUID, c protocol.IceCandidate) {
	if _, ok := l.m.current(id); ok {
		l.m.ch.Send(protocol.Candidate{Candidate: c})
	}
}

func (l managerPeerListener) OnPeerIceCandidatesRemoved(id uuid.UUID, cs []protocol.IceCandidate) {
	if _, ok := l.m.current(id); ok {
		l.m.ch.Send(protocol.RemoveCandidates{Candidates: cs})
	}
}

func (l managerPeerListener) OnPeerConnectionState(id uuid.UUID, s engine.ConnectionState) {
	if _, ok := l.m.current(id); ok {
		l.m.log.Infof("peer %s connection %s", id, s)
	}
}

func withoutCandidates(queued, removed []protocol.IceCandidate) []protocol.IceCandidate {
	return slices.DeleteFunc(queued, func(c protocol.IceCandidate) bool {
		return slices.Contains(removed, c)
	})
}
