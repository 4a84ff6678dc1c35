// Package negotiate wraps a Pion peer connection for one call session:
// local media capture, offer/answer exchange, and trickle ICE with a
// pending-candidate queue for candidates that outrun the remote description.
// It imports only Pion libraries and the signal wire types; coupling to the
// coordinator is via the callbacks in Config.
package negotiate

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/duetp2p/duet/internal/signal"
)

// ErrPermissionDenied reports that local camera/microphone capture failed.
// Not retried automatically; the session is torn down and the user told.
var ErrPermissionDenied = errors.New("negotiate: media capture denied or unavailable")

// Config carries per-session negotiation settings and the observer hooks
// the coordinator registers before any signaling happens.
type Config struct {
	ICEServers []webrtc.ICEServer

	// Capture caps, used on platforms with local capture support.
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int

	// OnCandidate fires for every locally generated ICE candidate. These
	// must be forwarded to the peer immediately; buffering against an
	// unset remote description happens on the receiving side, never here.
	OnCandidate func(signal.CandidatePayload)

	// OnConnectionState reports the underlying transport state. Connected
	// means media is flowing; failed/disconnected/closed are fatal to the
	// session.
	OnConnectionState func(webrtc.PeerConnectionState)

	// OnRemoteTrack fires when the peer's media arrives.
	OnRemoteTrack func(kind webrtc.RTPCodecType)
}

// localMedia holds what capture produced: a cleanup func and the audio
// sender used for mute. All fields may be nil (receive-only sessions).
type localMedia struct {
	stop        func()
	audioTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
}

// Engine owns the negotiation state of exactly one call session. It is
// created when acceptance makes media setup worthwhile and closed by the
// coordinator's teardown. Close is idempotent.
type Engine struct {
	callID string
	pc     *webrtc.PeerConnection
	media  *localMedia

	mu        sync.Mutex
	pending   []signal.CandidatePayload
	remoteSet bool
	closed    bool
	muted     bool
}

// New acquires local media for mediaKind and builds the peer connection.
// Capture failure on a platform that supports capture reports
// ErrPermissionDenied; platforms without capture come up receive-only.
func New(callID string, mediaKind signal.MediaKind, cfg Config) (*Engine, error) {
	pc, media, err := initMediaPC(callID, mediaKind, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{callID: callID, pc: pc, media: media}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		p := signal.CandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			p.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			p.SDPMLineIndex = *init.SDPMLineIndex
		}
		cfg.OnCandidate(p)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", callID, st)
		if cfg.OnConnectionState != nil {
			cfg.OnConnectionState(st)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track %s", callID, track.Kind(), track.ID())
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(track.Kind())
		}
	})

	return e, nil
}

// CreateOffer produces the local SDP offer. Trickle ICE: the offer is
// returned as soon as the local description is set; candidates follow via
// OnCandidate.
func (e *Engine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and produces the local answer.
// Setting the remote description also drains any queued candidates.
func (e *Engine) CreateAnswer(remoteSDP string) (string, error) {
	if err := e.setRemoteDescription(webrtc.SDPTypeOffer, remoteSDP); err != nil {
		return "", err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// ApplyAnswer applies the remote answer to a locally created offer. The
// coordinator checks HasPendingLocalOffer before calling; an answer in any
// other phase is a duplicate and never reaches here.
func (e *Engine) ApplyAnswer(remoteSDP string) error {
	return e.setRemoteDescription(webrtc.SDPTypeAnswer, remoteSDP)
}

func (e *Engine) setRemoteDescription(t webrtc.SDPType, sdp string) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", t, err)
	}

	e.mu.Lock()
	e.remoteSet = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	// Drain in arrival order. Individual candidate failures are logged,
	// not fatal, ICE only needs one working pair.
	for _, c := range queued {
		if err := e.addCandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate rejected: %v", e.callID, err)
		}
	}
	if len(queued) > 0 {
		log.Printf("CALL [%s]: applied %d queued candidates", e.callID, len(queued))
	}
	return nil
}

// ApplyCandidate applies a remote ICE candidate, or queues it when the
// remote description is not set yet. No candidate is ever dropped.
func (e *Engine) ApplyCandidate(c signal.CandidatePayload) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		n := len(e.pending)
		e.mu.Unlock()
		log.Printf("CALL [%s]: queued early candidate (%d pending)", e.callID, n)
		return nil
	}
	e.mu.Unlock()
	return e.addCandidate(c)
}

func (e *Engine) addCandidate(c signal.CandidatePayload) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// HasPendingLocalOffer reports whether a locally created offer is awaiting
// its answer. Guards answer application against duplicates and reordering.
func (e *Engine) HasPendingLocalOffer() bool {
	return e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// Stable reports whether the signaling exchange is at rest. An inbound
// offer is only acceptable in this phase; anything else is glare.
func (e *Engine) Stable() bool {
	return e.pc.SignalingState() == webrtc.SignalingStateStable
}

// PendingCandidates returns how many remote candidates are queued.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SetAudioEnabled mutes or unmutes the outgoing audio track by swapping the
// sender's track. A no-op on receive-only sessions.
func (e *Engine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.media == nil || e.media.audioSender == nil {
		return
	}
	if e.muted == !enabled {
		return
	}
	var track webrtc.TrackLocal
	if enabled {
		track = e.media.audioTrack
	}
	if err := e.media.audioSender.ReplaceTrack(track); err != nil {
		log.Printf("CALL [%s]: mute toggle failed: %v", e.callID, err)
		return
	}
	e.muted = !enabled
}

// Close releases local media and the peer connection, and clears the
// pending-candidate queue. Always safe to call, any number of times.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.pending = nil
	media := e.media
	e.media = nil
	e.mu.Unlock()

	if media != nil && media.stop != nil {
		media.stop()
	}
	if err := e.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close peer connection: %v", e.callID, err)
	}
}
