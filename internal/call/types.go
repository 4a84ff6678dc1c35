// Package call implements the call session coordinator: a per-account state
// machine that owns the single-active-session invariant, drives the
// negotiation engine through the call lifecycle, and exchanges signals over
// the pub/sub transport. It is designed to be maximally standalone: the
// transport, the negotiation engine, the native UI, and the call log are all
// reached through the small interfaces below, satisfied by adapters in the
// application wiring (the only place that imports everything).
package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duetp2p/duet/internal/signal"
)

// State is the coordinator's authoritative lifecycle position. Every
// transition consumes exactly one event; an event arriving in a state that
// does not permit it is logged and discarded, never worked around.
type State int

const (
	StateIdle State = iota
	StateOutgoingRequested
	StateOutgoingRinging
	StateIncomingOffered
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRequested:
		return "outgoing-requested"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingOffered:
		return "incoming-offered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Direction distinguishes who placed the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the final outcome of a session, recorded in the call log.
type Status string

const (
	StatusCompleted Status = "completed" // connected, then hung up
	StatusCanceled  Status = "canceled"  // caller gave up before acceptance
	StatusMissed    Status = "missed"    // ring timeout expired unanswered
	StatusRejected  Status = "rejected"  // declined by either side
	StatusFailed    Status = "failed"    // permission, transport or ICE failure
	StatusBusy      Status = "busy"      // auto-rejected: another session was active
)

// Session is the in-memory record of the one active call. At most one exists
// per coordinator at any time.
type Session struct {
	// AttemptID uniquely identifies this attempt. CallID derives from the
	// participant pair and repeats across attempts; AttemptID never does.
	AttemptID string

	CallID    string
	RoomID    string
	PeerID    string
	PeerName  string
	MediaKind signal.MediaKind
	Direction Direction

	Ringing   bool
	Accepted  bool
	Muted     bool
	OnHold    bool
	Minimized bool

	CreatedAt time.Time
	StartTime time.Time // set on acceptance, basis for duration accounting
	EndTime   time.Time
}

// Info is an immutable snapshot of the session handed to the UI bridge.
type Info struct {
	CallID    string
	RoomID    string
	PeerID    string
	PeerName  string
	MediaKind signal.MediaKind
	Direction Direction
	State     State
	Muted     bool
	OnHold    bool
	Minimized bool
}

// Signaling is the only surface the call package needs from the transport
// layer. The concrete transport satisfies this via a small adapter in the
// application wiring.
type Signaling interface {
	SendToInbox(ctx context.Context, accountID string, sig *signal.CallSignal) error
	SendToRoom(ctx context.Context, roomID string, sig *signal.CallSignal) error
	SubscribeInbox(accountID string, h func(*signal.CallSignal)) (Subscription, error)
	SubscribeRoom(roomID string, h func(*signal.CallSignal)) (Subscription, error)
}

// Subscription is the cancel handle for one signaling subscription.
type Subscription interface {
	Cancel()
}

// Engine is the per-session negotiation surface. negotiate.Engine satisfies
// it; tests substitute a fake.
type Engine interface {
	CreateOffer() (string, error)
	CreateAnswer(remoteSDP string) (string, error)
	ApplyAnswer(remoteSDP string) error
	ApplyCandidate(signal.CandidatePayload) error
	HasPendingLocalOffer() bool
	Stable() bool
	SetAudioEnabled(enabled bool)
	Close()
}

// EngineHooks deliver engine-originated events to the coordinator. The
// factory must register them before any signaling is exchanged.
type EngineHooks struct {
	OnCandidate       func(signal.CandidatePayload)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// EngineFactory builds a negotiation engine for one session. It is invoked
// only once acceptance makes media setup worthwhile, never for calls that
// are still ringing.
type EngineFactory func(callID string, mediaKind signal.MediaKind, hooks EngineHooks) (Engine, error)

// UIBridge mirrors coordinator transitions into a platform call UI. It is a
// pure side channel: the coordinator behaves identically with the no-op
// bridge.
type UIBridge interface {
	OutgoingStarted(Info)
	IncomingOffered(Info)
	Ringing(Info)
	Connected(Info)
	Ended(Info, Status)
	Error(Info, error)
}

// NoopBridge is the UIBridge for builds and platforms without a native call
// UI, and for headless mode.
type NoopBridge struct{}

func (NoopBridge) OutgoingStarted(Info) {}
func (NoopBridge) IncomingOffered(Info) {}
func (NoopBridge) Ringing(Info)         {}
func (NoopBridge) Connected(Info)       {}
func (NoopBridge) Ended(Info, Status)   {}
func (NoopBridge) Error(Info, error)    {}

// LogEntry is one finished (or refused) call for the history store.
type LogEntry struct {
	AttemptID string
	CallID    string
	PeerID    string
	PeerName  string
	Direction Direction
	MediaKind signal.MediaKind
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// Recorder persists call log entries. Teardown records exactly one entry per
// session; a Record failure is logged, never propagated into the teardown.
type Recorder interface {
	Record(LogEntry) error
}

var (
	// ErrBusy: a start or incoming request collided with an active session.
	ErrBusy = errors.New("call: another session is active")
	// ErrNoSession: an action needed an active session and there is none.
	ErrNoSession = errors.New("call: no active session")
	// ErrBadState: the action is not valid in the current state.
	ErrBadState = errors.New("call: action not valid in current state")
	// ErrClosed: the coordinator has been shut down.
	ErrClosed = errors.New("call: coordinator closed")
	// ErrNegotiationFailed: ICE never connected or the media path died.
	ErrNegotiationFailed = errors.New("call: media connection failed")
)
