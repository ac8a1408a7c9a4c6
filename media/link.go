// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/sotto-voice/sotto/call"
	"github.com/sotto-voice/sotto/lib/clock"
	"github.com/sotto-voice/sotto/wire"
)

// DefaultGatherSettleDelay is how long a gather-once negotiation keeps
// collecting candidates after the first relay candidate arrives.
const DefaultGatherSettleDelay = 2 * time.Second

const dataChannelLabel = "data"

// Config parameterizes the production link factory.
type Config struct {
	// STUNServers are added to every link alongside the per-call
	// relay servers.
	STUNServers []string

	// GatherSettleDelay overrides DefaultGatherSettleDelay.
	GatherSettleDelay time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// NewFactory returns the pion-backed call.LinkFactory.
func NewFactory(config Config) call.LinkFactory {
	if config.GatherSettleDelay <= 0 {
		config.GatherSettleDelay = DefaultGatherSettleDelay
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return func(linkConfig call.LinkConfig, events call.LinkEvents) (call.MediaLink, error) {
		return newLink(config, linkConfig, events)
	}
}

// link is one pion PeerConnection carrying a single audio track plus
// the in-call data channel. It implements call.MediaLink; the extra
// WriteAudio surface is for the platform capture pipeline.
type link struct {
	config  Config
	link    call.LinkConfig
	events  call.LinkEvents
	log     *slog.Logger
	tracker *gatherTracker

	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticSample
	muted      atomic.Bool

	mu            sync.Mutex
	dataChannel   *webrtc.DataChannel
	signalingOK   bool // signaling state stable
	transportOK   bool // peer connection state connected
	everConnected bool
	reportedUp    bool
	pendingGather bool // a tracker round is waiting on this description
	closed        bool
}

func newLink(config Config, linkConfig call.LinkConfig, events call.LinkEvents) (*link, error) {
	l := &link{
		config: config,
		link:   linkConfig,
		events: events,
		log:    linkConfig.Logger,
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.tracker = newGatherTracker(config.Clock, config.GatherSettleDelay, l.gatherFinished)

	pc, err := l.newPeerConnection()
	if err != nil {
		return nil, err
	}
	l.pc = pc

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "sotto",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio track: %w", err)
	}
	l.audioTrack = audioTrack

	pc.OnTrack(l.handleRemoteTrack)
	pc.OnICECandidate(l.handleLocalCandidate)
	pc.OnSignalingStateChange(l.handleSignalingState)
	pc.OnConnectionStateChange(l.handleConnectionState)
	pc.OnDataChannel(l.adoptDataChannel)

	return l, nil
}

func (l *link) newPeerConnection() (*webrtc.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(l.config.STUNServers)+1)
	for _, url := range l.config.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if creds := l.link.Credentials; creds != nil && len(creds.RelayServers) > 0 {
		username, password := creds.CallerUsername, creds.CallerPassword
		if l.link.CredentialRole == call.RoleRecipient {
			username, password = creds.RecipientUsername, creds.RecipientPassword
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       creds.RelayServers,
			Username:   username,
			Credential: password,
		})
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("registering audio codec: %w", err)
	}

	// Loopback candidates keep same-machine tests and single-host
	// deployments working.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// --- call.MediaLink ------------------------------------------------------

func (l *link) CreateOffer(iceRestart bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("link closed")
	}
	needChannel := !iceRestart && l.dataChannel == nil
	l.mu.Unlock()

	// The offerer opens the in-call channel; the answerer adopts the
	// inbound one through OnDataChannel.
	if needChannel {
		ordered := true
		dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return fmt.Errorf("creating data channel: %w", err)
		}
		l.adoptDataChannel(dc)
	}

	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	return l.applyLocalDescription(offer)
}

func (l *link) CreateAnswer() error {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	return l.applyLocalDescription(answer)
}

// applyLocalDescription installs the description and emits it per the
// gathering policy: immediately for trickle, after gathering settles
// for gather-once.
func (l *link) applyLocalDescription(description webrtc.SessionDescription) error {
	if l.link.Policy == wire.GatherOnce {
		l.tracker.reset()
		l.mu.Lock()
		l.pendingGather = true
		l.mu.Unlock()
	}
	if err := l.pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if l.link.Policy == wire.GatherContinuously {
		l.emitLocalDescription(0)
	}
	return nil
}

// gatherFinished is the tracker callback: the gather-once description
// is now complete.
func (l *link) gatherFinished(relayCandidates int) {
	l.mu.Lock()
	pending := l.pendingGather
	l.pendingGather = false
	l.mu.Unlock()
	if pending {
		l.emitLocalDescription(relayCandidates)
	}
}

func (l *link) emitLocalDescription(relayCandidates int) {
	description := l.pc.LocalDescription()
	if description == nil {
		return
	}
	l.events.LocalDescription(l.link.Peer,
		description.Type.String(), description.SDP, relayCandidates)
}

func (l *link) SetRemoteDescription(descriptionType, sdp string) error {
	sdpType := webrtc.NewSDPType(descriptionType)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown description type %q", descriptionType)
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (l *link) Rollback() error {
	l.mu.Lock()
	l.pendingGather = false
	l.mu.Unlock()
	if err := l.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
	}); err != nil {
		return fmt.Errorf("rolling back local description: %w", err)
	}
	return nil
}

func (l *link) AddCandidate(candidate wire.ICECandidate) error {
	mid := candidate.SDPMid
	index := candidate.SDPMLineIndex
	if err := l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

func (l *link) RemoveCandidates(candidates []wire.ICECandidate) error {
	// pion exposes no remote-candidate removal; stale candidates
	// simply lose connectivity checks. Honoring the message is a
	// no-op here but keeps the protocol symmetric for peers that can.
	l.log.Debug("remote candidate removal ignored", "count", len(candidates))
	return nil
}

func (l *link) SetMuted(muted bool) error {
	l.muted.Store(muted)
	return nil
}

// WriteAudio feeds one captured audio sample to the peer. Muted links
// swallow samples so the platform capture loop needs no mute logic.
func (l *link) WriteAudio(sample webrtcmedia.Sample) error {
	if l.muted.Load() {
		return nil
	}
	return l.audioTrack.WriteSample(sample)
}

func (l *link) SendFrame(frame wire.ChannelFrame) error {
	l.mu.Lock()
	dc := l.dataChannel
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open")
	}
	encoded, err := wire.EncodeChannelFrame(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := dc.Send(encoded); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

// --- pion callbacks ------------------------------------------------------

func (l *link) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		if l.link.Policy == wire.GatherOnce {
			l.tracker.complete()
		}
		return
	}
	if l.link.Policy == wire.GatherOnce {
		l.tracker.candidate(candidate.Typ == webrtc.ICECandidateTypeRelay)
		return
	}

	init := candidate.ToJSON()
	converted := wire.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		converted.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		converted.SDPMLineIndex = *init.SDPMLineIndex
	}
	l.events.Candidate(l.link.Peer, converted)
}

func (l *link) handleSignalingState(state webrtc.SignalingState) {
	l.mu.Lock()
	l.signalingOK = state == webrtc.SignalingStateStable
	l.mu.Unlock()
	l.evaluateConnected()
}

func (l *link) handleConnectionState(state webrtc.PeerConnectionState) {
	l.mu.Lock()
	l.transportOK = state == webrtc.PeerConnectionStateConnected
	wasUp := l.everConnected
	l.reportedUp = l.reportedUp && l.transportOK
	l.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.evaluateConnected()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if wasUp {
			l.events.ConnectionLost(l.link.Peer)
		} else if state == webrtc.PeerConnectionStateFailed {
			l.events.LinkFailed(l.link.Peer, fmt.Errorf("connection failed before establishment"))
		}
	}
}

// evaluateConnected reports Connected only when signaling is stable
// and the transport is up at the same time, so a renegotiation in
// flight never looks like a finished connection.
func (l *link) evaluateConnected() {
	l.mu.Lock()
	up := l.signalingOK && l.transportOK && !l.closed
	fire := up && !l.reportedUp
	if fire {
		l.reportedUp = true
		l.everConnected = true
	}
	l.mu.Unlock()
	if fire {
		l.events.Connected(l.link.Peer)
	}
}

func (l *link) adoptDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != dataChannelLabel {
		l.log.Debug("ignoring unexpected data channel", "label", dc.Label())
		return
	}
	l.mu.Lock()
	l.dataChannel = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.events.ChannelOpened(l.link.Peer)
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		frame, err := wire.DecodeChannelFrame(message.Data)
		if err != nil {
			l.log.Warn("dropping undecodable frame", "error", err)
			return
		}
		l.events.Frame(l.link.Peer, frame)
	})
}

// handleRemoteTrack drains inbound RTP. Decoded playback is the
// platform layer's job; the drain keeps pion's interceptors fed when
// no player is attached.
func (l *link) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	go func() {
		buffer := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buffer); err != nil {
				return
			}
		}
	}()
}
