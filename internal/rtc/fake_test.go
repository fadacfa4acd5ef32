package rtc

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/morph/internal/engine"
	"github.com/1ureka/morph/internal/icedir"
	"github.com/1ureka/morph/internal/protocol"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

const (
	videoH264First = "m=video 9 UDP/TLS/RTP/SAVPF 96 97"
	videoVP8First  = "m=video 9 UDP/TLS/RTP/SAVPF 97 96"
	opusFmtp       = "a=fmtp:111 minptime=10;useinbandfec=1"
	opusFmtp32k    = "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=32000"
)

// sampleBody is an SDP body whose video section prefers H264 over VP8.
var sampleBody = crlf(
	"v=0",
	"o=- 1 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=rtpmap:111 opus/48000/2",
	opusFmtp,
	"a=rtpmap:0 PCMU/8000",
	videoH264First,
	"c=IN IP4 0.0.0.0",
	"a=mid:1",
	"a=rtpmap:96 H264/90000",
	"a=rtpmap:97 VP8/90000",
)

var testMedia = engine.MediaConfig{
	VideoCodec:            "VP8",
	AudioCodec:            "opus",
	AudioStartBitrateKbps: 32,
}

var errBoom = errors.New("boom")

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type fakeSession struct {
	mu  sync.Mutex
	obs engine.Observer
	cfg engine.SessionConfig

	calls   []string
	remote  *protocol.SessionDescription
	local   *protocol.SessionDescription
	added   []protocol.IceCandidate
	removed []protocol.IceCandidate

	// failures keyed by call name.
	fail map[string]error
}

func (s *fakeSession) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.fail[call]
}

func (s *fakeSession) CreateOffer() (protocol.SessionDescription, error) {
	if err := s.record("createOffer"); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: sampleBody}, nil
}

func (s *fakeSession) CreateAnswer() (protocol.SessionDescription, error) {
	if err := s.record("createAnswer"); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: protocol.SDPTypeAnswer, SDP: sampleBody}, nil
}

func (s *fakeSession) SetLocalDescription(d protocol.SessionDescription) error {
	if err := s.record("setLocal"); err != nil {
		return err
	}
	s.mu.Lock()
	s.local = &d
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) SetRemoteDescription(d protocol.SessionDescription) error {
	if err := s.record("setRemote"); err != nil {
		return err
	}
	s.mu.Lock()
	s.remote = &d
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) AddICECandidate(c protocol.IceCandidate) error {
	if err := s.record("addCandidate:" + c.Candidate); err != nil {
		return err
	}
	s.mu.Lock()
	s.added = append(s.added, c)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) RemoveICECandidates(cs []protocol.IceCandidate) error {
	if err := s.record("removeCandidates"); err != nil {
		return err
	}
	s.mu.Lock()
	s.removed = append(s.removed, cs...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) StopCapture() error { return s.record("stopCapture") }
func (s *fakeSession) ReleaseMedia()      { _ = s.record("releaseMedia") }
func (s *fakeSession) Close() error       { return s.record("close") }

func (s *fakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) Added() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (s *fakeSession) Remote() *protocol.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *fakeSession) Local() *protocol.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *fakeSession) disposed() bool {
	calls := s.Calls()
	return len(calls) > 0 && calls[len(calls)-1] == "close"
}

type fakeEngine struct {
	mu       sync.Mutex
	sessions []*fakeSession
	fail     map[string]error
	newErr   error
}

func (e *fakeEngine) NewSession(cfg engine.SessionConfig, obs engine.Observer) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newErr != nil {
		return nil, e.newErr
	}
	s := &fakeSession{obs: obs, cfg: cfg, fail: e.fail}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) session(t *testing.T, i int) *fakeSession {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.sessions) {
		t.Fatalf("session %d not created (have %d)", i, len(e.sessions))
	}
	return e.sessions[i]
}

// ---------------------------------------------------------------------------
// Channel and directory
// ---------------------------------------------------------------------------

type fakeChannel struct {
	mu   sync.Mutex
	subs []func(protocol.Message)
	sent []protocol.Message
}

func (c *fakeChannel) Subscribe(fn func(protocol.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	i := len(c.subs) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs[i] = nil
	}
}

func (c *fakeChannel) Send(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeChannel) deliver(msg protocol.Message) {
	c.mu.Lock()
	subs := slices.Clone(c.subs)
	c.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *fakeChannel) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fn := range c.subs {
		if fn != nil {
			return true
		}
	}
	return false
}

func (c *fakeChannel) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

type fakeDirectory struct {
	mu      sync.Mutex
	servers []icedir.Server
	err     error
	calls   int

	// gate, when set, holds every Fetch until closed.
	gate chan struct{}
}

func (d *fakeDirectory) Fetch(ctx context.Context) ([]icedir.Server, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers, d.err
}

func (d *fakeDirectory) set(servers []icedir.Server, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers, d.err = servers, err
}

func (d *fakeDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var stunServers = []icedir.Server{{URLs: []string{"stun:s1"}}}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue()
	t.Cleanup(q.Close)
	return q
}

// waitFor polls cond, syncing the queue between checks.
func waitFor(t *testing.T, q *Queue, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		q.Sync()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func candidate(text string) protocol.IceCandidate {
	return protocol.IceCandidate{Mid: "0", MLineIndex: 0, Candidate: text}
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}
