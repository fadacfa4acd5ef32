package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/morph/internal/icedir"
	"github.com/1ureka/morph/internal/protocol"
	"github.com/1ureka/morph/internal/util"
)

// Tracks are the local tracks a Capturer writes samples into. Either may be
// nil when that kind is not sent.
type Tracks struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
}

// Capturer feeds local media into a session's tracks.
type Capturer interface {
	Start(Tracks) error
	Stop() error
}

// PionOptions configures the pion engine.
type PionOptions struct {
	// Capturer is optional. Without one no local tracks are created.
	Capturer Capturer

	// LoggerFactory defaults to the pterm bridge.
	LoggerFactory logging.LoggerFactory
}

// Pion is an Engine backed by pion/webrtc.
type Pion struct {
	api      *webrtc.API
	capturer Capturer
}

// NewPion builds the shared webrtc.API with default codecs.
func NewPion(opts PionOptions) (*Pion, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.LoggerFactory = opts.LoggerFactory
	if s.LoggerFactory == nil {
		s.LoggerFactory = util.NewPionLoggerFactory()
	}

	return &Pion{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		capturer: opts.Capturer,
	}, nil
}

// NewSession creates a PeerConnection with the configured transceivers and
// an unordered data channel.
func (p *Pion) NewSession(cfg SessionConfig, obs Observer) (Session, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   toICEServers(cfg.ICEServers),
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &pionSession{pc: pc, capturer: p.capturer}
	if err := s.setupMedia(cfg.Media); err != nil {
		pc.Close()
		return nil, err
	}

	label := cfg.Media.DataChannelLabel
	if label == "" {
		label = DefaultDataChannelLabel
	}
	ordered := false
	if s.dc, err = pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered}); err != nil {
		s.ReleaseMedia()
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		obs.OnICECandidate(fromICECandidate(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		obs.OnConnectionStateChange(fromPeerConnectionState(state))
	})

	if s.capturer != nil && (s.tracks.Audio != nil || s.tracks.Video != nil) {
		if err := s.capturer.Start(s.tracks); err != nil {
			s.ReleaseMedia()
			pc.Close()
			return nil, fmt.Errorf("start capture: %w", err)
		}
		s.capturing = true
	}

	return s, nil
}

type pionSession struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	capturer Capturer

	tracks    Tracks
	senders   []*webrtc.RTPSender
	capturing bool
}

// setupMedia adds one transceiver per media kind. A kind with a capturer is
// sent (and received when configured); otherwise it is receive-only. Each
// transceiver lists the configured codec first, so the descriptions pion
// generates already carry the preference and can be committed unmodified.
func (s *pionSession) setupMedia(media MediaConfig) error {
	kinds := []struct {
		kind    webrtc.RTPCodecType
		codec   string
		receive bool
		track   **webrtc.TrackLocalStaticSample
	}{
		{webrtc.RTPCodecTypeAudio, media.AudioCodec, media.ReceiveAudio, &s.tracks.Audio},
		{webrtc.RTPCodecTypeVideo, media.VideoCodec, media.ReceiveVideo, &s.tracks.Video},
	}

	for _, k := range kinds {
		if s.capturer == nil {
			if !k.receive {
				continue
			}
			tr, err := s.pc.AddTransceiverFromKind(k.kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return fmt.Errorf("add %s transceiver: %w", k.kind, err)
			}
			if err := preferCodec(tr, k.codec); err != nil {
				return err
			}
			continue
		}

		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mimeType(k.kind, k.codec)},
			k.kind.String(), "morph")
		if err != nil {
			return fmt.Errorf("new %s track: %w", k.kind, err)
		}
		dir := webrtc.RTPTransceiverDirectionSendonly
		if k.receive {
			dir = webrtc.RTPTransceiverDirectionSendrecv
		}
		tr, err := s.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: dir})
		if err != nil {
			return fmt.Errorf("add %s track: %w", k.kind, err)
		}
		*k.track = track
		s.senders = append(s.senders, tr.Sender())
		if err := preferCodec(tr, k.codec); err != nil {
			return err
		}
	}
	return nil
}

// preferCodec moves every codec named codec to the front of tr's codec
// list, keeping the relative order of the rest. Retransmission codecs stay
// attached to their primaries through the apt parameter. A codec the media
// engine does not know leaves the list alone.
func preferCodec(tr *webrtc.RTPTransceiver, codec string) error {
	if codec == "" {
		return nil
	}
	mime := mimeType(tr.Kind(), codec)

	var preferred, rest []webrtc.RTPCodecParameters
	for _, c := range transceiverCodecs(tr) {
		if strings.EqualFold(c.MimeType, mime) {
			preferred = append(preferred, c)
		} else {
			rest = append(rest, c)
		}
	}
	if len(preferred) == 0 {
		return nil
	}

	if err := tr.SetCodecPreferences(append(preferred, rest...)); err != nil {
		return fmt.Errorf("prefer %s: %w", mime, err)
	}
	return nil
}

// transceiverCodecs returns a copy of the codecs tr currently offers.
func transceiverCodecs(tr *webrtc.RTPTransceiver) []webrtc.RTPCodecParameters {
	if r := tr.Receiver(); r != nil {
		return slices.Clone(r.GetParameters().Codecs)
	}
	if s := tr.Sender(); s != nil {
		return slices.Clone(s.GetParameters().Codecs)
	}
	return nil
}

func (s *pionSession) CreateOffer() (protocol.SessionDescription, error) {
	desc, err := s.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromSessionDescription(desc), nil
}

func (s *pionSession) CreateAnswer() (protocol.SessionDescription, error) {
	desc, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromSessionDescription(desc), nil
}

func (s *pionSession) SetLocalDescription(desc protocol.SessionDescription) error {
	return s.pc.SetLocalDescription(toSessionDescription(desc))
}

func (s *pionSession) SetRemoteDescription(desc protocol.SessionDescription) error {
	return s.pc.SetRemoteDescription(toSessionDescription(desc))
}

func (s *pionSession) AddICECandidate(c protocol.IceCandidate) error {
	return s.pc.AddICECandidate(toICECandidate(c))
}

// RemoveICECandidates is not available in pion.
func (s *pionSession) RemoveICECandidates([]protocol.IceCandidate) error {
	return ErrUnsupported
}

func (s *pionSession) StopCapture() error {
	if !s.capturing {
		return nil
	}
	s.capturing = false
	return s.capturer.Stop()
}

func (s *pionSession) ReleaseMedia() {
	for _, sender := range s.senders {
		_ = sender.Stop()
	}
	s.senders = nil
	s.tracks = Tracks{}
}

func (s *pionSession) Close() error {
	var errs []error
	if s.dc != nil {
		errs = append(errs, s.dc.Close())
	}
	errs = append(errs, s.pc.Close())
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func mimeType(kind webrtc.RTPCodecType, codec string) string {
	if strings.Contains(codec, "/") {
		return codec
	}
	return kind.String() + "/" + codec
}

func toICEServers(servers []icedir.Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Authenticated() {
			srv.Credential = *s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func toSessionDescription(d protocol.SessionDescription) webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if d.Type == protocol.SDPTypeAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}
}

func fromSessionDescription(d webrtc.SessionDescription) protocol.SessionDescription {
	typ := protocol.SDPTypeOffer
	if d.Type == webrtc.SDPTypeAnswer {
		typ = protocol.SDPTypeAnswer
	}
	return protocol.SessionDescription{Type: typ, SDP: d.SDP}
}

func toICECandidate(c protocol.IceCandidate) webrtc.ICECandidateInit {
	mid := c.Mid
	idx := uint16(c.MLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func fromICECandidate(c webrtc.ICECandidateInit) protocol.IceCandidate {
	out := protocol.IceCandidate{Candidate: c.Candidate}
	if c.SDPMid != nil {
		out.Mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.MLineIndex = int(*c.SDPMLineIndex)
	}
	return out
}

func fromPeerConnectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
