package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/signaling"
)

func TestDescriptionConversion(t *testing.T) {
	for _, typ := range []negotiation.SDPType{negotiation.SDPOffer, negotiation.SDPAnswer} {
		sd, err := toPion(negotiation.Description{Type: typ, SDP: "v=0"})
		require.NoError(t, err)
		assert.Equal(t, negotiation.Description{Type: typ, SDP: "v=0"}, fromPion(sd))
	}

	sd, err := toPion(negotiation.Description{Type: negotiation.SDPRollback, SDP: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeRollback, sd.Type)
	assert.Empty(t, sd.SDP)

	_, err = toPion(negotiation.Description{Type: "pranswer"})
	assert.Error(t, err)
}

func TestCandidateConversion(t *testing.T) {
	c := protocol.Candidate{SDPMid: "0", SDPMLineIndex: 1, Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	init := candidateToInit(c)
	require.NotNil(t, init.SDPMid)
	assert.Equal(t, "0", *init.SDPMid)
	assert.Equal(t, c, candidateFromInit(init))

	init = candidateToInit(protocol.Candidate{Candidate: "candidate:2"})
	assert.Nil(t, init.SDPMid, "empty mid is left unset")
	require.NotNil(t, init.SDPMLineIndex)
	assert.Zero(t, *init.SDPMLineIndex)
}

func TestICEStateMapping(t *testing.T) {
	testCases := map[webrtc.ICEConnectionState]negotiation.ICEState{
		webrtc.ICEConnectionStateNew:          negotiation.ICENew,
		webrtc.ICEConnectionStateChecking:     negotiation.ICEChecking,
		webrtc.ICEConnectionStateConnected:    negotiation.ICEConnected,
		webrtc.ICEConnectionStateCompleted:    negotiation.ICECompleted,
		webrtc.ICEConnectionStateDisconnected: negotiation.ICEDisconnected,
		webrtc.ICEConnectionStateFailed:       negotiation.ICEFailed,
		webrtc.ICEConnectionStateClosed:       negotiation.ICEClosed,
	}
	for in, want := range testCases {
		assert.Equal(t, want, iceState(in), in.String())
	}
}

func TestPlayOggMissingFile(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	assert.Error(t, PlayOgg(context.Background(), "does-not-exist.ogg", track))
}

// link forwards a session's outgoing messages to the other peer's session.
type link struct {
	mu     sync.Mutex
	target *negotiation.Session
}

func (l *link) connect(s *negotiation.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = s
}

func (l *link) Send(msg protocol.Message) error {
	l.mu.Lock()
	target := l.target
	l.mu.Unlock()
	if target == nil {
		return signaling.ErrChannelClosed
	}
	msg.Via = protocol.RouteSignaling
	target.HandleMessage(msg)
	return nil
}

func newPeer(t *testing.T, role negotiation.Role, out negotiation.Outbox, cfg PeerConfig) (*Engine, *negotiation.Session) {
	t.Helper()
	pc, err := NewPeerConnection(cfg)
	require.NoError(t, err)

	engine := NewEngine(pc)
	session := negotiation.NewSession(negotiation.Options{ID: cfg.SessionID, Role: role, Engine: engine, Outbox: out})
	engine.Bind(session)
	t.Cleanup(session.Stop)
	return engine, session
}

// Two in-process peers with trickle ICE over host candidates reach Stable
// and exchange a message over the signaling data channel.
func TestLoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	toCallee, toCaller := &link{}, &link{}
	callerEngine, caller := newPeer(t, negotiation.Impolite, toCallee, PeerConfig{})
	calleeEngine, callee := newPeer(t, negotiation.Polite, toCaller, PeerConfig{})
	toCallee.connect(callee)
	toCaller.connect(caller)

	_, err := AddAudioTrack(callerEngine.PeerConnection())
	require.NoError(t, err)

	raw, err := CreateSignalingChannel(callerEngine.PeerConnection())
	require.NoError(t, err)
	callerConn := NewDataChannelConn(raw)

	accepted := make(chan *DataChannelConn, 1)
	OnSignalingChannel(calleeEngine.PeerConnection(), func(dc *webrtc.DataChannel) {
		accepted <- NewDataChannelConn(dc)
	})

	caller.TriggerLocalOffer()

	require.Eventually(t, func() bool {
		return caller.State() == negotiation.Stable && callee.State() == negotiation.Stable
	}, 15*time.Second, 20*time.Millisecond)

	var calleeConn *DataChannelConn
	select {
	case calleeConn = <-accepted:
	case <-time.After(10 * time.Second):
		t.Fatal("signaling channel not accepted")
	}

	require.NoError(t, callerConn.Send([]byte(`{"type":"offer","sdp":"v=0"}`)))
	select {
	case data := <-calleeConn.Inbound():
		assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(data))
	case <-time.After(10 * time.Second):
		t.Fatal("frame not delivered")
	}

	require.NoError(t, callerConn.Close(0, ""))
	assert.ErrorIs(t, callerConn.Send([]byte("x")), signaling.ErrChannelClosed)
}

// sessionSeen records the remote session ids a peer observes.
type sessionSeen struct {
	mu  sync.Mutex
	ids []string
}

func (s *sessionSeen) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *sessionSeen) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.ids {
		if got == id {
			return true
		}
	}
	return false
}

// The callee echoes the caller's audio. Each side sees the other's session
// id in the session-id header extension.
func TestLoopbackEchoCarriesSessionIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	callerID, calleeID := uuid.NewString(), uuid.NewString()
	callerSeen, calleeSeen := &sessionSeen{}, &sessionSeen{}

	toCallee, toCaller := &link{}, &link{}
	callerEngine, caller := newPeer(t, negotiation.Impolite, toCallee,
		PeerConfig{SessionID: callerID, OnRemoteSession: callerSeen.add})
	calleeEngine, callee := newPeer(t, negotiation.Polite, toCaller,
		PeerConfig{SessionID: calleeID, OnRemoteSession: calleeSeen.add})
	toCallee.connect(callee)
	toCaller.connect(caller)

	echo, err := NewEchoTrack()
	require.NoError(t, err)
	require.NoError(t, AddTrack(calleeEngine.PeerConnection(), echo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	OnAudioTrack(calleeEngine.PeerConnection(), func(track *webrtc.TrackRemote) {
		go func() { _ = Echo(ctx, track, echo) }()
	})
	OnAudioTrack(callerEngine.PeerConnection(), func(track *webrtc.TrackRemote) {
		go DrainTrack(track)
	})

	track, err := AddAudioTrack(callerEngine.PeerConnection())
	require.NoError(t, err)

	caller.TriggerLocalOffer()
	require.Eventually(t, func() bool {
		return caller.State() == negotiation.Stable && callee.State() == negotiation.Stable
	}, 15*time.Second, 20*time.Millisecond)

	silence := media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}
	require.Eventually(t, func() bool {
		assert.NoError(t, track.WriteSample(silence))
		return calleeSeen.has(callerID) && callerSeen.has(calleeID)
	}, 15*time.Second, 20*time.Millisecond)
}
