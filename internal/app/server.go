package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/signaling"
	"github.com/1ureka/rtcvoice/internal/util"
	webrtcpkg "github.com/1ureka/rtcvoice/internal/webrtc"
)

const (
	maxOfferBytes   = 1 << 20
	shutdownTimeout = 5 * time.Second
)

var errServerClosed = errors.New("server closed")

// Server answers calls: one Polite session per WebSocket connection on GET /
// and per offer on POST /session.
type Server struct {
	cfg *config.Config

	// ctx outlives individual requests; sessions run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*peer
	wg       sync.WaitGroup
}

// NewServer creates a Server. Call Close to stop every session.
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*peer),
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts the
// listener down and stops every session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	util.LogSuccess("signaling server listening on %s (WebSocket on /, offers on /session)", ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops every session and waits for their supervisors to exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	conn, err := signaling.Accept(w, r)
	if err != nil {
		util.LogWarning("WebSocket upgrade failed: %v", err)
		return
	}

	duplex := signaling.NewDuplex(conn, protocol.RouteSignaling)
	p, err := s.newSession(duplex, false)
	if err != nil {
		util.LogError("failed to create session: %v", err)
		duplex.Close()
		return
	}
	util.LogInfo("%s caller connected from %s", p.logPrefix(), r.RemoteAddr)

	go func() {
		if err := duplex.Run(p.ctx, p.session); err != nil && p.ctx.Err() == nil {
			util.LogInfo("%s WebSocket closed: %v", p.logPrefix(), err)
		}
	}()

	// The answerer's own track is added once the call is up, so its audio
	// arrives through a renegotiation it starts.
	go func() {
		select {
		case <-p.stable:
		case <-p.ctx.Done():
			return
		}
		if s.cfg.OfferInBand {
			select {
			case <-p.inBand:
			case <-time.After(s.cfg.AnswerTimeout):
				util.LogDebug("%s no in-band route, offering over WebSocket", p.logPrefix())
			case <-p.ctx.Done():
				return
			}
		}
		s.addAudio(p)
	}()
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.SessionOffer
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&req); err != nil || req.Offer == "" {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}

	reply := signaling.NewReplyOutbox()
	p, err := s.newSession(reply, true)
	if err != nil {
		util.LogError("failed to create session: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	util.LogInfo("%s offer received from %s", p.logPrefix(), r.RemoteAddr)

	// Vanilla ICE: the answer carries our track and every candidate.
	s.addAudio(p)
	p.session.HandleRemoteOffer(req.Offer, protocol.RouteSignaling)

	answer, err := waitAnswer(r.Context(), p, reply, s.cfg.AnswerTimeout)
	if err != nil {
		util.LogError("%s no answer: %v", p.logPrefix(), err)
		p.stop()
		http.Error(w, "negotiation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(protocol.SessionAnswer{Answer: answer}); err != nil {
		util.LogWarning("%s failed to write answer: %v", p.logPrefix(), err)
	}
}

// waitAnswer waits for the session's answer, its first failure or the
// timeout, whichever comes first. A zero timeout waits on ctx alone.
func waitAnswer(ctx context.Context, p *peer, reply *signaling.ReplyOutbox, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		answer, err := reply.Wait(ctx)
		done <- result{answer, err}
	}()

	select {
	case res := <-done:
		return res.answer, res.err
	case err := <-p.failed:
		return "", err
	case <-p.session.Done():
		return "", negotiation.ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// newSession creates a Polite peer, accepts the caller's signaling channel
// and registers it until it fails, closes or the server stops.
func (s *Server) newSession(outbox negotiation.Outbox, vanilla bool) (*peer, error) {
	if s.ctx.Err() != nil {
		return nil, errServerClosed
	}

	p, err := newPeer(s.ctx, peerOptions{
		role:        negotiation.Polite,
		iceServers:  s.cfg.ICEServers,
		vanilla:     vanilla,
		offerInBand: s.cfg.OfferInBand,
		echo:        s.cfg.Echo,
		outbox:      outbox,
	})
	if err != nil {
		return nil, err
	}

	webrtcpkg.OnSignalingChannel(p.pc(), func(dc *webrtc.DataChannel) {
		p.attachInBand(webrtcpkg.NewDataChannelConn(dc))
	})
	p.handleRemoteAudio("")

	// Registration and wg.Add happen under mu so Close never waits on a
	// group that is still growing.
	id := p.session.ID()
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		p.stop()
		return nil, errServerClosed
	}
	s.sessions[id] = p
	s.wg.Add(1)
	s.mu.Unlock()

	go s.supervise(id, p)
	return p, nil
}

func (s *Server) supervise(id string, p *peer) {
	defer s.wg.Done()

	select {
	case err := <-p.failed:
		if errors.Is(err, negotiation.ErrTransport) {
			util.LogWarning("%s stopping session: %v", p.logPrefix(), err)
		}
	case <-p.ctx.Done():
	}

	p.stop()
	<-p.session.Done()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// addAudio adds the session's outgoing audio track: the echo track in echo
// mode, otherwise one that plays the configured audio file.
func (s *Server) addAudio(p *peer) {
	if p.echo != nil {
		if err := webrtcpkg.AddTrack(p.pc(), p.echo); err != nil {
			util.LogWarning("%s %v", p.logPrefix(), err)
		}
		return
	}

	track, err := webrtcpkg.AddAudioTrack(p.pc())
	if err != nil {
		util.LogWarning("%s %v", p.logPrefix(), err)
		return
	}
	p.playWhenStable(s.cfg.AudioFile, track)
}
