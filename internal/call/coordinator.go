package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/duetp2p/duet/internal/signal"
)

// sendTimeout bounds every signaling send issued by the coordinator.
const sendTimeout = 10 * time.Second

// Config wires one coordinator to its collaborators.
type Config struct {
	AccountID   string
	DisplayName string
	Signaling   Signaling
	NewEngine   EngineFactory

	// Optional. Bridge defaults to NoopBridge, Recorder to none.
	Bridge   UIBridge
	Recorder Recorder

	// RingTimeout bounds how long an outgoing call waits for call-accept.
	// Expiry ends the call with StatusMissed. Zero disables the timeout.
	RingTimeout time.Duration
}

// Coordinator is the per-account call state machine. All of its logic runs
// on a single event-loop goroutine: signals, engine callbacks, native UI
// actions, and local API calls are posted as events and handled one at a
// time, in order, with no overlap. Exclusivity of the session and the
// engine is enforced by that structure; there are no locks here.
type Coordinator struct {
	cfg    Config
	bridge UIBridge

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the event loop. Never touched from outside it.
	state     State
	sess      *Session
	engine    Engine
	roomSub   Subscription
	inboxSub  Subscription
	ringTimer *time.Timer
}

// New starts a coordinator and subscribes it to the account's inbox.
func New(cfg Config) (*Coordinator, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("call: config needs an account id")
	}
	if cfg.Signaling == nil || cfg.NewEngine == nil {
		return nil, fmt.Errorf("call: config needs signaling and an engine factory")
	}
	bridge := cfg.Bridge
	if bridge == nil {
		bridge = NoopBridge{}
	}

	c := &Coordinator{
		cfg:    cfg,
		bridge: bridge,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	go c.loop()

	sub, err := cfg.Signaling.SubscribeInbox(cfg.AccountID, func(sig *signal.CallSignal) {
		c.post(func() { c.handleInboxSignal(sig) })
	})
	if err != nil {
		close(c.done)
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	c.inboxSub = sub
	log.Printf("CALL: coordinator up for %s", cfg.AccountID)
	return c, nil
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.events:
			fn()
		}
	}
}

// post queues one event for the loop. Events are only ever posted from
// outside the loop goroutine (API calls, transport handlers, engine
// callbacks, timers); handlers call each other directly.
func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(fn func() error) error {
	errc := make(chan error, 1)
	c.post(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// ── Public API ───────────────────────────────────────────────────────────────

// StartCall places an outgoing call. Fails with ErrBusy when a session is
// already active.
func (c *Coordinator) StartCall(calleeID, calleeName string, mediaKind signal.MediaKind) error {
	return c.call(func() error { return c.startCall(calleeID, calleeName, mediaKind) })
}

// Accept answers the current incoming call.
func (c *Coordinator) Accept() error {
	return c.call(c.localAccept)
}

// Reject declines the current incoming call.
func (c *Coordinator) Reject() error {
	return c.call(c.localReject)
}

// End hangs up the current call, whatever state it is in.
func (c *Coordinator) End() error {
	return c.call(c.localEnd)
}

// SetMuted toggles the outgoing audio track.
func (c *Coordinator) SetMuted(muted bool) error {
	return c.call(func() error { return c.setMuted(muted) })
}

// SetHold is a best-effort hold: the engine has no native hold primitive,
// so hold silences outgoing audio the same way mute does.
func (c *Coordinator) SetHold(hold bool) error {
	return c.call(func() error { return c.setHold(hold) })
}

// SetMinimized records that the call UI is minimized. Cosmetic only.
func (c *Coordinator) SetMinimized(min bool) error {
	return c.call(func() error {
		if c.sess == nil {
			return ErrNoSession
		}
		c.sess.Minimized = min
		return nil
	})
}

// CurrentInfo returns a snapshot of the active session, if any.
func (c *Coordinator) CurrentInfo() (Info, bool) {
	type resp struct {
		info Info
		ok   bool
	}
	rc := make(chan resp, 1)
	c.post(func() {
		if c.sess == nil {
			rc <- resp{}
			return
		}
		rc <- resp{info: c.info(), ok: true}
	})
	select {
	case r := <-rc:
		return r.info, r.ok
	case <-c.done:
		return Info{}, false
	}
}

// InjectInboxSignal routes a signal obtained outside the transport (e.g. a
// push-wake payload) through the same path as an inbox delivery.
func (c *Coordinator) InjectInboxSignal(sig *signal.CallSignal) {
	c.post(func() { c.handleInboxSignal(sig) })
}

// Close ends any active call and shuts the event loop down.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		flushed := make(chan struct{})
		c.post(func() {
			// Shutdown is a local hangup: the state→status mapping in
			// localEnd applies, so a still-ringing call logs as canceled,
			// not completed.
			if c.sess != nil {
				_ = c.localEnd()
			}
			close(flushed)
		})
		select {
		case <-flushed:
		case <-time.After(sendTimeout):
			log.Printf("CALL: close flush timed out")
		}
		if c.inboxSub != nil {
			c.inboxSub.Cancel()
		}
		close(c.done)
	})
}

// ── Outgoing path ────────────────────────────────────────────────────────────

func (c *Coordinator) startCall(calleeID, calleeName string, mediaKind signal.MediaKind) error {
	if c.state != StateIdle {
		return ErrBusy
	}
	if calleeID == c.cfg.AccountID {
		return fmt.Errorf("call: cannot call self")
	}

	roomID := signal.RoomID(c.cfg.AccountID, calleeID)
	sub, err := c.cfg.Signaling.SubscribeRoom(roomID, c.roomHandler(roomID))
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	req := &signal.CallSignal{
		Kind:       signal.KindRequest,
		CallID:     roomID,
		RoomID:     roomID,
		CallerID:   c.cfg.AccountID,
		CalleeID:   calleeID,
		CallerName: c.cfg.DisplayName,
		MediaKind:  mediaKind,
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.cfg.Signaling.SendToInbox(ctx, calleeID, req); err != nil {
		sub.Cancel()
		return fmt.Errorf("send call-request: %w", err)
	}

	c.sess = &Session{
		AttemptID: uuid.NewString(),
		CallID:    roomID,
		RoomID:    roomID,
		PeerID:    calleeID,
		PeerName:  calleeName,
		MediaKind: mediaKind,
		Direction: DirectionOutgoing,
		CreatedAt: time.Now(),
	}
	c.roomSub = sub
	c.state = StateOutgoingRequested
	c.startRingTimer()
	log.Printf("CALL [%s]: requested %s call to %s", roomID, mediaKind, calleeID)
	c.bridge.OutgoingStarted(c.info())
	return nil
}

// callerAccepted handles call-accept: the only path that creates an
// outgoing offer. Media setup was deferred until now so unanswered calls
// never allocate devices.
func (c *Coordinator) callerAccepted() {
	c.stopRingTimer()
	c.sess.Ringing = false
	c.sess.Accepted = true
	c.state = StateConnecting

	eng, err := c.createEngine()
	if err != nil {
		c.fail(err, StatusFailed, true)
		return
	}
	c.engine = eng

	offerSDP, err := eng.CreateOffer()
	if err != nil {
		c.fail(fmt.Errorf("create offer: %w", err), StatusFailed, true)
		return
	}
	if err := c.sendRoom(signal.KindOffer, signal.Description(offerSDP)); err != nil {
		c.fail(err, StatusFailed, true)
		return
	}
	log.Printf("CALL [%s]: accepted by peer, offer sent", c.sess.CallID)
}

// ── Incoming path ────────────────────────────────────────────────────────────

func (c *Coordinator) handleInboxSignal(sig *signal.CallSignal) {
	switch sig.Kind {
	case signal.KindRequest:
		c.handleRequest(sig)
	case signal.KindReject:
		// Busy/decline replies land on the caller's inbox.
		if c.sess != nil && sig.RoomID == c.sess.RoomID {
			c.teardown(StatusRejected, false)
		} else {
			log.Printf("CALL: stale reject for %s ignored", sig.RoomID)
		}
	default:
		log.Printf("CALL: unexpected %s on inbox ignored", sig.Kind)
	}
}

func (c *Coordinator) handleRequest(sig *signal.CallSignal) {
	if c.sess != nil {
		if sig.RoomID == c.sess.RoomID {
			log.Printf("CALL [%s]: duplicate call-request ignored", sig.RoomID)
			return
		}
		// Busy collision: a different caller while a session is active.
		// Auto-reject without touching the current session.
		log.Printf("CALL [%s]: busy, auto-rejecting request from %s", sig.RoomID, sig.CallerID)
		reject := &signal.CallSignal{
			Kind:      signal.KindReject,
			CallID:    sig.CallID,
			RoomID:    sig.RoomID,
			CallerID:  sig.CallerID,
			CalleeID:  c.cfg.AccountID,
			MediaKind: sig.MediaKind,
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := c.cfg.Signaling.SendToInbox(ctx, sig.CallerID, reject); err != nil {
			log.Printf("CALL [%s]: busy reject not sent: %v", sig.RoomID, err)
		}
		c.record(LogEntry{
			AttemptID: uuid.NewString(),
			CallID:    sig.CallID,
			PeerID:    sig.CallerID,
			PeerName:  sig.CallerName,
			Direction: DirectionIncoming,
			MediaKind: sig.MediaKind,
			Status:    StatusBusy,
			StartedAt: time.Now(),
			EndedAt:   time.Now(),
		})
		return
	}

	sub, err := c.cfg.Signaling.SubscribeRoom(sig.RoomID, c.roomHandler(sig.RoomID))
	if err != nil {
		log.Printf("CALL [%s]: cannot join room for incoming call: %v", sig.RoomID, err)
		return
	}

	c.sess = &Session{
		AttemptID: uuid.NewString(),
		CallID:    sig.CallID,
		RoomID:    sig.RoomID,
		PeerID:    sig.CallerID,
		PeerName:  sig.CallerName,
		MediaKind: sig.MediaKind,
		Direction: DirectionIncoming,
		Ringing:   true,
		CreatedAt: time.Now(),
	}
	c.roomSub = sub
	c.state = StateIncomingOffered

	// Tell the caller's UI the device is alerting. Advisory; losing this
	// signal does not gate anything.
	if err := c.sendRoom(signal.KindRinging, nil); err != nil {
		log.Printf("CALL [%s]: ringing not sent: %v", sig.RoomID, err)
	}
	log.Printf("CALL [%s]: incoming %s call from %s", sig.RoomID, sig.MediaKind, sig.CallerID)
	c.bridge.IncomingOffered(c.info())
}

func (c *Coordinator) localAccept() error {
	if c.state != StateIncomingOffered {
		return ErrBadState
	}

	// Prepare media before acknowledging so a permission failure turns
	// into a reject, not a call the peer believes was answered.
	eng, err := c.createEngine()
	if err != nil {
		if sendErr := c.sendRoom(signal.KindReject, nil); sendErr != nil {
			log.Printf("CALL [%s]: reject after media failure not sent: %v", c.sess.CallID, sendErr)
		}
		c.fail(err, StatusFailed, false)
		return err
	}
	c.engine = eng

	if err := c.sendRoom(signal.KindAccept, nil); err != nil {
		c.fail(err, StatusFailed, false)
		return err
	}

	c.sess.Ringing = false
	c.sess.Accepted = true
	c.state = StateConnecting
	log.Printf("CALL [%s]: accepted, waiting for offer", c.sess.CallID)
	return nil
}

func (c *Coordinator) localReject() error {
	if c.state != StateIncomingOffered {
		return ErrBadState
	}
	if err := c.sendRoom(signal.KindReject, nil); err != nil {
		log.Printf("CALL [%s]: reject not sent: %v", c.sess.CallID, err)
	}
	c.teardown(StatusRejected, false)
	return nil
}

func (c *Coordinator) localEnd() error {
	if c.sess == nil {
		return ErrNoSession
	}
	status := StatusCanceled
	switch c.state {
	case StateConnected:
		status = StatusCompleted
	case StateIncomingOffered:
		status = StatusRejected
	}
	c.teardown(status, true)
	return nil
}

// ── Room signal handling ─────────────────────────────────────────────────────

// roomHandler binds the subscription callback to the room it was created
// for, so signals for a previous session on the same topic are recognizably
// stale.
func (c *Coordinator) roomHandler(roomID string) func(*signal.CallSignal) {
	return func(sig *signal.CallSignal) {
		c.post(func() { c.handleRoomSignal(roomID, sig) })
	}
}

func (c *Coordinator) handleRoomSignal(roomID string, sig *signal.CallSignal) {
	if c.sess == nil || c.sess.RoomID != roomID || sig.RoomID != c.sess.RoomID {
		log.Printf("CALL: stale %s for %s ignored", sig.Kind, sig.RoomID)
		return
	}

	switch sig.Kind {
	case signal.KindRinging:
		if c.state == StateOutgoingRequested {
			c.state = StateOutgoingRinging
			c.sess.Ringing = true
			c.bridge.Ringing(c.info())
		} else {
			log.Printf("CALL [%s]: ringing in state %s ignored", sig.RoomID, c.state)
		}

	case signal.KindAccept:
		if c.state == StateOutgoingRequested || c.state == StateOutgoingRinging {
			c.callerAccepted()
		} else {
			log.Printf("CALL [%s]: duplicate accept in state %s ignored", sig.RoomID, c.state)
		}

	case signal.KindReject:
		c.teardown(StatusRejected, false)

	case signal.KindEnd:
		status := StatusCanceled
		if c.state == StateConnected {
			status = StatusCompleted
		}
		c.teardown(status, false)

	case signal.KindOffer:
		c.handleOffer(sig)

	case signal.KindAnswer:
		c.handleAnswer(sig)

	case signal.KindICE:
		c.handleCandidate(sig)
	}
}

// handleOffer applies the caller's offer. Accepted only while stable in the
// Connecting state of an incoming call; anything else is glare or a replay.
func (c *Coordinator) handleOffer(sig *signal.CallSignal) {
	if c.state != StateConnecting || c.sess.Direction != DirectionIncoming ||
		c.engine == nil || !c.engine.Stable() {
		log.Printf("CALL [%s]: offer discarded (state=%s)", sig.RoomID, c.state)
		return
	}
	sdp, err := sig.DecodeDescription()
	if err != nil {
		log.Printf("CALL [%s]: bad offer discarded: %v", sig.RoomID, err)
		return
	}
	answerSDP, err := c.engine.CreateAnswer(sdp)
	if err != nil {
		c.fail(fmt.Errorf("create answer: %w", err), StatusFailed, true)
		return
	}
	if err := c.sendRoom(signal.KindAnswer, signal.Description(answerSDP)); err != nil {
		c.fail(err, StatusFailed, true)
		return
	}
	log.Printf("CALL [%s]: answer sent", sig.RoomID)
}

// handleAnswer applies the peer's answer only when a locally created offer
// is outstanding; otherwise it is a duplicate or out-of-order delivery.
func (c *Coordinator) handleAnswer(sig *signal.CallSignal) {
	if c.engine == nil || !c.engine.HasPendingLocalOffer() {
		log.Printf("CALL [%s]: answer discarded, no outstanding local offer", sig.RoomID)
		return
	}
	sdp, err := sig.DecodeDescription()
	if err != nil {
		log.Printf("CALL [%s]: bad answer discarded: %v", sig.RoomID, err)
		return
	}
	if err := c.engine.ApplyAnswer(sdp); err != nil {
		c.fail(fmt.Errorf("apply answer: %w", err), StatusFailed, true)
	}
}

func (c *Coordinator) handleCandidate(sig *signal.CallSignal) {
	if c.engine == nil {
		log.Printf("CALL [%s]: candidate before negotiation ignored", sig.RoomID)
		return
	}
	cand, err := sig.DecodeCandidate()
	if err != nil {
		log.Printf("CALL [%s]: bad candidate discarded: %v", sig.RoomID, err)
		return
	}
	if err := c.engine.ApplyCandidate(cand); err != nil {
		log.Printf("CALL [%s]: candidate rejected: %v", sig.RoomID, err)
	}
}

// ── Engine events ────────────────────────────────────────────────────────────

// createEngine tags the hooks with the session's AttemptID, not its CallID:
// the call id repeats when the same pair redials, so late events from a dead
// engine would pass a call-id check and hit the successor session.
func (c *Coordinator) createEngine() (Engine, error) {
	callID := c.sess.CallID
	attemptID := c.sess.AttemptID
	hooks := EngineHooks{
		OnCandidate: func(p signal.CandidatePayload) {
			c.post(func() { c.handleLocalCandidate(attemptID, p) })
		},
		OnConnectionState: func(st webrtc.PeerConnectionState) {
			c.post(func() { c.handleConnState(attemptID, st) })
		},
	}
	return c.cfg.NewEngine(callID, c.sess.MediaKind, hooks)
}

// handleLocalCandidate forwards a locally generated candidate to the peer.
// Candidates are never withheld here; the receiving side queues them if its
// remote description is not set yet.
func (c *Coordinator) handleLocalCandidate(attemptID string, p signal.CandidatePayload) {
	if c.sess == nil || c.sess.AttemptID != attemptID {
		return // stale: generated for an attempt that is already gone
	}
	if err := c.sendRoom(signal.KindICE, signal.Candidate(p)); err != nil {
		log.Printf("CALL [%s]: candidate not sent: %v", c.sess.CallID, err)
	}
}

func (c *Coordinator) handleConnState(attemptID string, st webrtc.PeerConnectionState) {
	if c.sess == nil || c.sess.AttemptID != attemptID {
		return // stale: our own Close, or a previous attempt's engine
	}
	callID := c.sess.CallID

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if c.state == StateConnecting {
			c.state = StateConnected
			c.sess.StartTime = time.Now()
			log.Printf("CALL [%s]: media flowing", callID)
			c.bridge.Connected(c.info())
		}

	case webrtc.PeerConnectionStateFailed:
		c.fail(ErrNegotiationFailed, StatusFailed, true)

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		status := StatusFailed
		if c.state == StateConnected {
			status = StatusCompleted
		}
		c.teardown(status, true)
	}
}

// ── Shared helpers ───────────────────────────────────────────────────────────

func (c *Coordinator) info() Info {
	s := c.sess
	return Info{
		CallID:    s.CallID,
		RoomID:    s.RoomID,
		PeerID:    s.PeerID,
		PeerName:  s.PeerName,
		MediaKind: s.MediaKind,
		Direction: s.Direction,
		State:     c.state,
		Muted:     s.Muted,
		OnHold:    s.OnHold,
		Minimized: s.Minimized,
	}
}

// sendRoom publishes one signal for the current session into its room.
func (c *Coordinator) sendRoom(kind signal.Kind, payload []byte) error {
	s := c.sess
	sig := &signal.CallSignal{
		Kind:      kind,
		CallID:    s.CallID,
		RoomID:    s.RoomID,
		MediaKind: s.MediaKind,
		Payload:   payload,
	}
	if s.Direction == DirectionOutgoing {
		sig.CallerID, sig.CalleeID = c.cfg.AccountID, s.PeerID
		sig.CallerName = c.cfg.DisplayName
	} else {
		sig.CallerID, sig.CalleeID = s.PeerID, c.cfg.AccountID
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.cfg.Signaling.SendToRoom(ctx, s.RoomID, sig); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Coordinator) setMuted(muted bool) error {
	if c.sess == nil {
		return ErrNoSession
	}
	c.sess.Muted = muted
	c.applyAudio()
	log.Printf("CALL [%s]: muted=%v", c.sess.CallID, muted)
	return nil
}

func (c *Coordinator) setHold(hold bool) error {
	if c.sess == nil {
		return ErrNoSession
	}
	c.sess.OnHold = hold
	c.applyAudio()
	log.Printf("CALL [%s]: hold=%v", c.sess.CallID, hold)
	return nil
}

func (c *Coordinator) applyAudio() {
	if c.engine != nil {
		c.engine.SetAudioEnabled(!c.sess.Muted && !c.sess.OnHold)
	}
}

func (c *Coordinator) startRingTimer() {
	d := c.cfg.RingTimeout
	if d <= 0 {
		return
	}
	attemptID := c.sess.AttemptID
	c.ringTimer = time.AfterFunc(d, func() {
		c.post(func() { c.ringExpired(attemptID) })
	})
}

func (c *Coordinator) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) ringExpired(attemptID string) {
	if c.sess == nil || c.sess.AttemptID != attemptID {
		return
	}
	if c.state != StateOutgoingRequested && c.state != StateOutgoingRinging {
		return
	}
	log.Printf("CALL [%s]: no answer within %s", c.sess.CallID, c.cfg.RingTimeout)
	c.teardown(StatusMissed, true)
}

// fail surfaces a session-fatal error to the UI layer and tears down.
func (c *Coordinator) fail(err error, status Status, sendEnd bool) {
	log.Printf("CALL [%s]: %v", c.sess.CallID, err)
	c.bridge.Error(c.info(), err)
	c.teardown(status, sendEnd)
}

// teardown is the single exit path for every session, whichever side or
// reason triggered it. Reentrant-safe: once the session is cleared, a second
// request is a no-op. sendEnd is false when reacting to a received
// call-end/call-reject; the peer is already gone.
func (c *Coordinator) teardown(status Status, sendEnd bool) {
	if c.sess == nil {
		return
	}
	sess := c.sess
	c.state = StateEnded
	c.stopRingTimer()

	// Engine close releases local media tracks and clears the
	// pending-candidate queue.
	if c.engine != nil {
		c.engine.Close()
		c.engine = nil
	}

	if sendEnd {
		if err := c.sendRoom(signal.KindEnd, nil); err != nil {
			log.Printf("CALL [%s]: call-end not sent: %v", sess.CallID, err)
		}
	}

	sess.EndTime = time.Now()
	entry := LogEntry{
		AttemptID: sess.AttemptID,
		CallID:    sess.CallID,
		PeerID:    sess.PeerID,
		PeerName:  sess.PeerName,
		Direction: sess.Direction,
		MediaKind: sess.MediaKind,
		Status:    status,
		StartedAt: sess.CreatedAt,
		EndedAt:   sess.EndTime,
	}
	if !sess.StartTime.IsZero() {
		entry.Duration = sess.EndTime.Sub(sess.StartTime)
	}
	c.record(entry)

	info := c.info()
	if c.roomSub != nil {
		c.roomSub.Cancel()
		c.roomSub = nil
	}
	c.sess = nil
	c.state = StateIdle

	log.Printf("CALL [%s]: ended (%s)", sess.CallID, status)
	c.bridge.Ended(info, status)
}

func (c *Coordinator) record(e LogEntry) {
	if c.cfg.Recorder == nil {
		return
	}
	if err := c.cfg.Recorder.Record(e); err != nil {
		log.Printf("CALL [%s]: call log write failed: %v", e.CallID, err)
	}
}
