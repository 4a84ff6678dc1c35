package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duetp2p/duet/internal/signal"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type sentSignal struct {
	To  string
	Sig *signal.CallSignal
}

type fakeSub struct {
	mu        sync.Mutex
	cancelled int
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	s.cancelled++
	s.mu.Unlock()
}

// fakeSignaling is an in-memory stand-in for the pub/sub transport. Tests
// deliver signals by invoking the captured handlers, mimicking the
// transport's reader goroutine.
type fakeSignaling struct {
	mu        sync.Mutex
	inboxSent []sentSignal
	roomSent  []sentSignal
	inboxSubs map[string]func(*signal.CallSignal)
	roomSubs  map[string]func(*signal.CallSignal)

	failRoomSub bool
	failSend    bool
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		inboxSubs: make(map[string]func(*signal.CallSignal)),
		roomSubs:  make(map[string]func(*signal.CallSignal)),
	}
}

func (f *fakeSignaling) SendToInbox(_ context.Context, accountID string, sig *signal.CallSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("fake transport down")
	}
	f.inboxSent = append(f.inboxSent, sentSignal{To: accountID, Sig: sig})
	return nil
}

func (f *fakeSignaling) SendToRoom(_ context.Context, roomID string, sig *signal.CallSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("fake transport down")
	}
	f.roomSent = append(f.roomSent, sentSignal{To: roomID, Sig: sig})
	return nil
}

func (f *fakeSignaling) SubscribeInbox(accountID string, h func(*signal.CallSignal)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inboxSubs[accountID] = h
	return &fakeSub{}, nil
}

func (f *fakeSignaling) SubscribeRoom(roomID string, h func(*signal.CallSignal)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoomSub {
		return nil, errors.New("fake room join failed")
	}
	f.roomSubs[roomID] = h
	return &fakeSub{}, nil
}

func (f *fakeSignaling) deliverInbox(accountID string, sig *signal.CallSignal) bool {
	f.mu.Lock()
	h := f.inboxSubs[accountID]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(sig)
	return true
}

func (f *fakeSignaling) deliverRoom(roomID string, sig *signal.CallSignal) bool {
	f.mu.Lock()
	h := f.roomSubs[roomID]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(sig)
	return true
}

func (f *fakeSignaling) roomSignals(kind signal.Kind) []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentSignal
	for _, s := range f.roomSent {
		if s.Sig.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSignaling) inboxSignals(kind signal.Kind) []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentSignal
	for _, s := range f.inboxSent {
		if s.Sig.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type fakeEngine struct {
	mu    sync.Mutex
	hooks EngineHooks

	pendingLocalOffer bool
	stable            bool

	offers         int
	answers        int
	appliedAnswers int
	candidates     []signal.CandidatePayload
	closes         int
	audioEnabled   bool
}

func (e *fakeEngine) CreateOffer() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers++
	e.pendingLocalOffer = true
	e.stable = false
	return "offer-sdp", nil
}

func (e *fakeEngine) CreateAnswer(string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return "answer-sdp", nil
}

func (e *fakeEngine) ApplyAnswer(string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appliedAnswers++
	e.pendingLocalOffer = false
	e.stable = true
	return nil
}

func (e *fakeEngine) ApplyCandidate(c signal.CandidatePayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) HasPendingLocalOffer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocalOffer
}

func (e *fakeEngine) Stable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stable
}

func (e *fakeEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioEnabled = enabled
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// engineFixture hands out fake engines and remembers them.
type engineFixture struct {
	mu      sync.Mutex
	engines []*fakeEngine
	fail    error
}

func (f *engineFixture) factory(_ string, _ signal.MediaKind, hooks EngineHooks) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	e := &fakeEngine{hooks: hooks, stable: true, audioEnabled: true}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *engineFixture) last(t *testing.T) *fakeEngine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		t.Fatal("no engine was created")
	}
	return f.engines[len(f.engines)-1]
}

func (f *engineFixture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *fakeRecorder) Record(e LogEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) all() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

type fakeBridge struct {
	mu        sync.Mutex
	outgoing  int
	incoming  int
	ringing   int
	connected int
	ended     []Status
	errored   []error
}

func (b *fakeBridge) OutgoingStarted(Info) { b.mu.Lock(); b.outgoing++; b.mu.Unlock() }
func (b *fakeBridge) IncomingOffered(Info) { b.mu.Lock(); b.incoming++; b.mu.Unlock() }
func (b *fakeBridge) Ringing(Info)         { b.mu.Lock(); b.ringing++; b.mu.Unlock() }
func (b *fakeBridge) Connected(Info)       { b.mu.Lock(); b.connected++; b.mu.Unlock() }
func (b *fakeBridge) Ended(_ Info, s Status) {
	b.mu.Lock()
	b.ended = append(b.ended, s)
	b.mu.Unlock()
}
func (b *fakeBridge) Error(_ Info, err error) {
	b.mu.Lock()
	b.errored = append(b.errored, err)
	b.mu.Unlock()
}

func (b *fakeBridge) endedStatuses() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Status(nil), b.ended...)
}

// ── Harness ──────────────────────────────────────────────────────────────────

const (
	acctX = "peer-x"
	acctY = "peer-y"
	acctZ = "peer-z"
)

type fixture struct {
	c   *Coordinator
	fs  *fakeSignaling
	eng *engineFixture
	rec *fakeRecorder
	br  *fakeBridge
}

func newFixture(t *testing.T, accountID string) *fixture {
	t.Helper()
	fs := newFakeSignaling()
	eng := &engineFixture{}
	rec := &fakeRecorder{}
	br := &fakeBridge{}
	c, err := New(Config{
		AccountID:   accountID,
		DisplayName: "Tester",
		Signaling:   fs,
		NewEngine:   eng.factory,
		Bridge:      br,
		Recorder:    rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return &fixture{c: c, fs: fs, eng: eng, rec: rec, br: br}
}

// settle waits for all previously posted events to be handled.
// CurrentInfo round-trips through the event loop, so returning means the
// queue ahead of it has drained.
func (f *fixture) settle() {
	f.c.CurrentInfo()
}

func (f *fixture) state(t *testing.T) State {
	t.Helper()
	info, ok := f.c.CurrentInfo()
	if !ok {
		return StateIdle
	}
	return info.State
}

func request(caller, callee string, mk signal.MediaKind) *signal.CallSignal {
	room := signal.RoomID(caller, callee)
	return &signal.CallSignal{
		Kind: signal.KindRequest, CallID: room, RoomID: room,
		CallerID: caller, CalleeID: callee, CallerName: "Caller", MediaKind: mk,
	}
}

func roomSig(kind signal.Kind, caller, callee string, payload []byte) *signal.CallSignal {
	room := signal.RoomID(caller, callee)
	return &signal.CallSignal{
		Kind: kind, CallID: room, RoomID: room,
		CallerID: caller, CalleeID: callee, MediaKind: signal.MediaVideo,
		Payload: payload,
	}
}

// ── Outgoing flow ────────────────────────────────────────────────────────────

func TestStartCallSendsRequestAndJoinsRoom(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "Yvonne", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}

	if got := f.state(t); got != StateOutgoingRequested {
		t.Fatalf("state = %s, want outgoing-requested", got)
	}
	reqs := f.fs.inboxSignals(signal.KindRequest)
	if len(reqs) != 1 {
		t.Fatalf("want 1 call-request, got %d", len(reqs))
	}
	if reqs[0].To != acctY {
		t.Fatalf("request sent to %s, want %s", reqs[0].To, acctY)
	}
	wantRoom := signal.RoomID(acctX, acctY)
	if reqs[0].Sig.RoomID != wantRoom {
		t.Fatalf("room id %s, want %s", reqs[0].Sig.RoomID, wantRoom)
	}
	// No media negotiation before acceptance.
	if f.eng.count() != 0 {
		t.Fatal("engine created before callee accepted")
	}
}

func TestSecondStartCallIsBusy(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaAudio); err != nil {
		t.Fatal(err)
	}
	if err := f.c.StartCall(acctZ, "", signal.MediaAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start = %v, want ErrBusy", err)
	}
}

func TestRingingIsAdvisory(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)

	f.fs.deliverRoom(room, roomSig(signal.KindRinging, acctX, acctY, nil))
	f.settle()
	if got := f.state(t); got != StateOutgoingRinging {
		t.Fatalf("state = %s, want outgoing-ringing", got)
	}

	// Accept without a prior ringing signal must also work: ringing never
	// gates the accept transition.
	f2 := newFixture(t, acctX)
	if err := f2.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	f2.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f2.settle()
	if got := f2.state(t); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
}

func TestAcceptTriggersOffer(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)

	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()

	if f.eng.count() != 1 {
		t.Fatalf("want 1 engine, got %d", f.eng.count())
	}
	offers := f.fs.roomSignals(signal.KindOffer)
	if len(offers) != 1 || offers[0].To != room {
		t.Fatalf("want 1 offer to %s, got %+v", room, offers)
	}
	sdp, err := offers[0].Sig.DecodeDescription()
	if err != nil || sdp != "offer-sdp" {
		t.Fatalf("offer payload %q err %v", sdp, err)
	}
}

func TestAnswerAppliedOnlyWithOutstandingOffer(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)
	answer := roomSig(signal.KindAnswer, acctX, acctY, signal.Description("answer-sdp"))

	// Answer before accept: no engine, must be discarded without error.
	f.fs.deliverRoom(room, answer)
	f.settle()
	if got := f.state(t); got != StateOutgoingRequested {
		t.Fatalf("stray answer changed state to %s", got)
	}

	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()
	eng := f.eng.last(t)

	f.fs.deliverRoom(room, answer)
	f.settle()
	if eng.appliedAnswers != 1 {
		t.Fatalf("want 1 applied answer, got %d", eng.appliedAnswers)
	}

	// Duplicate answer: no longer have-local-offer, must be discarded.
	f.fs.deliverRoom(room, answer)
	f.settle()
	if eng.appliedAnswers != 1 {
		t.Fatalf("duplicate answer applied: %d", eng.appliedAnswers)
	}
}

func TestConnectedOnEngineState(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)
	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()

	eng := f.eng.last(t)
	eng.hooks.OnConnectionState(webrtc.PeerConnectionStateConnected)
	f.settle()

	if got := f.state(t); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	f.br.mu.Lock()
	connected := f.br.connected
	f.br.mu.Unlock()
	if connected != 1 {
		t.Fatalf("bridge.Connected fired %d times", connected)
	}
}

func TestRingTimeoutEndsAsMissed(t *testing.T) {
	fs := newFakeSignaling()
	eng := &engineFixture{}
	rec := &fakeRecorder{}
	c, err := New(Config{
		AccountID: acctX, Signaling: fs, NewEngine: eng.factory,
		Recorder: rec, RingTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	if err := c.StartCall(acctY, "", signal.MediaAudio); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.CurrentInfo(); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := c.CurrentInfo(); ok {
		t.Fatal("call still active after ring timeout")
	}
	entries := rec.all()
	if len(entries) != 1 || entries[0].Status != StatusMissed {
		t.Fatalf("want one missed entry, got %+v", entries)
	}
	if got := fs.roomSignals(signal.KindEnd); len(got) != 1 {
		t.Fatalf("want 1 call-end after timeout, got %d", len(got))
	}
}

// ── Incoming flow ────────────────────────────────────────────────────────────

func TestIncomingRequestRingsAndAccepts(t *testing.T) {
	f := newFixture(t, acctY)
	room := signal.RoomID(acctX, acctY)

	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaVideo))
	f.settle()

	if got := f.state(t); got != StateIncomingOffered {
		t.Fatalf("state = %s, want incoming-offered", got)
	}
	if got := f.fs.roomSignals(signal.KindRinging); len(got) != 1 {
		t.Fatalf("want 1 call-ringing, got %d", len(got))
	}

	if err := f.c.Accept(); err != nil {
		t.Fatal(err)
	}
	if got := f.state(t); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
	// Accept-then-offer ordering: the callee sends call-accept and waits;
	// the engine exists but has produced no offer.
	if got := f.fs.roomSignals(signal.KindAccept); len(got) != 1 {
		t.Fatalf("want 1 call-accept, got %d", len(got))
	}
	if f.eng.last(t).offers != 0 {
		t.Fatal("callee created an offer")
	}

	f.fs.deliverRoom(room, roomSig(signal.KindOffer, acctX, acctY, signal.Description("offer-sdp")))
	f.settle()
	if f.eng.last(t).answers != 1 {
		t.Fatalf("want 1 answer created, got %d", f.eng.last(t).answers)
	}
	if got := f.fs.roomSignals(signal.KindAnswer); len(got) != 1 {
		t.Fatalf("want 1 answer sent, got %d", len(got))
	}
}

func TestDuplicateRequestIsIgnored(t *testing.T) {
	f := newFixture(t, acctY)
	req := request(acctX, acctY, signal.MediaAudio)

	f.fs.deliverInbox(acctY, req)
	f.fs.deliverInbox(acctY, req)
	f.settle()

	f.br.mu.Lock()
	incoming := f.br.incoming
	f.br.mu.Unlock()
	if incoming != 1 {
		t.Fatalf("bridge saw %d incoming calls, want 1", incoming)
	}
	if got := f.fs.inboxSignals(signal.KindReject); len(got) != 0 {
		t.Fatalf("duplicate request triggered a reject: %+v", got)
	}
}

func TestBusyCollisionAutoRejects(t *testing.T) {
	f := newFixture(t, acctY)

	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaVideo))
	f.settle()
	if err := f.c.Accept(); err != nil {
		t.Fatal(err)
	}

	// A different caller while the session with X is live.
	f.fs.deliverInbox(acctY, request(acctZ, acctY, signal.MediaAudio))
	f.settle()

	rejects := f.fs.inboxSignals(signal.KindReject)
	if len(rejects) != 1 || rejects[0].To != acctZ {
		t.Fatalf("want 1 reject to %s, got %+v", acctZ, rejects)
	}
	if rejects[0].Sig.RoomID != signal.RoomID(acctY, acctZ) {
		t.Fatalf("reject for wrong room %s", rejects[0].Sig.RoomID)
	}

	// The session with X is untouched.
	info, ok := f.c.CurrentInfo()
	if !ok || info.PeerID != acctX || info.State != StateConnecting {
		t.Fatalf("active session disturbed: %+v ok=%v", info, ok)
	}

	// The refused attempt is on the record as busy.
	var busy int
	for _, e := range f.rec.all() {
		if e.Status == StatusBusy && e.PeerID == acctZ {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("want 1 busy log entry for %s, got %d", acctZ, busy)
	}
}

func TestGlareOfferDiscarded(t *testing.T) {
	f := newFixture(t, acctY)
	room := signal.RoomID(acctX, acctY)

	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaVideo))
	f.settle()
	if err := f.c.Accept(); err != nil {
		t.Fatal(err)
	}
	eng := f.eng.last(t)

	offer := roomSig(signal.KindOffer, acctX, acctY, signal.Description("offer-sdp"))
	f.fs.deliverRoom(room, offer)
	f.settle()
	if eng.answers != 1 {
		t.Fatalf("first offer not answered: %d", eng.answers)
	}

	// Simulate a renegotiation attempt landing while we are mid-exchange.
	eng.mu.Lock()
	eng.stable = false
	eng.mu.Unlock()
	f.fs.deliverRoom(room, offer)
	f.settle()
	if eng.answers != 1 {
		t.Fatalf("glare offer was answered: %d", eng.answers)
	}
}

func TestLocalRejectNotifiesCaller(t *testing.T) {
	f := newFixture(t, acctY)
	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaAudio))
	f.settle()

	if err := f.c.Reject(); err != nil {
		t.Fatal(err)
	}
	if got := f.fs.roomSignals(signal.KindReject); len(got) != 1 {
		t.Fatalf("want 1 reject in room, got %d", len(got))
	}
	// Reacting side never also sends call-end.
	if got := f.fs.roomSignals(signal.KindEnd); len(got) != 0 {
		t.Fatalf("reject also sent call-end: %d", len(got))
	}
	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Status != StatusRejected {
		t.Fatalf("want one rejected entry, got %+v", entries)
	}
	if entries[0].AttemptID == "" {
		t.Fatal("log entry missing attempt id")
	}
}

// ── ICE forwarding ───────────────────────────────────────────────────────────

func TestLocalCandidatesForwardedAndStaleDropped(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)
	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()
	eng := f.eng.last(t)

	eng.hooks.OnCandidate(signal.CandidatePayload{Candidate: "candidate:one", SDPMid: "0"})
	f.settle()
	if got := f.fs.roomSignals(signal.KindICE); len(got) != 1 {
		t.Fatalf("want 1 forwarded candidate, got %d", len(got))
	}

	if err := f.c.End(); err != nil {
		t.Fatal(err)
	}
	// A candidate generated for the dead session must be dropped.
	eng.hooks.OnCandidate(signal.CandidatePayload{Candidate: "candidate:late", SDPMid: "0"})
	f.settle()
	if got := f.fs.roomSignals(signal.KindICE); len(got) != 1 {
		t.Fatalf("stale candidate was forwarded: %d", len(got))
	}
}

func TestRemoteCandidatesRoutedToEngine(t *testing.T) {
	f := newFixture(t, acctY)
	room := signal.RoomID(acctX, acctY)
	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaVideo))
	f.settle()
	if err := f.c.Accept(); err != nil {
		t.Fatal(err)
	}
	eng := f.eng.last(t)

	for _, c := range []string{"candidate:a", "candidate:b", "candidate:c"} {
		f.fs.deliverRoom(room, roomSig(signal.KindICE, acctX, acctY,
			signal.Candidate(signal.CandidatePayload{Candidate: c, SDPMid: "0"})))
	}
	f.settle()

	eng.mu.Lock()
	got := make([]string, 0, len(eng.candidates))
	for _, c := range eng.candidates {
		got = append(got, c.Candidate)
	}
	eng.mu.Unlock()
	if len(got) != 3 || got[0] != "candidate:a" || got[1] != "candidate:b" || got[2] != "candidate:c" {
		t.Fatalf("candidates out of order or missing: %v", got)
	}
}

// ── Teardown ─────────────────────────────────────────────────────────────────

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)
	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()
	eng := f.eng.last(t)

	// Local end racing an incoming call-end: both arrive, one teardown.
	f.fs.deliverRoom(room, roomSig(signal.KindEnd, acctX, acctY, nil))
	_ = f.c.End()
	f.settle()

	if eng.closeCount() != 1 {
		t.Fatalf("engine closed %d times, want 1", eng.closeCount())
	}
	if got := len(f.rec.all()); got != 1 {
		t.Fatalf("%d log entries, want 1", got)
	}
	if got := f.br.endedStatuses(); len(got) != 1 {
		t.Fatalf("bridge.Ended fired %d times, want 1", len(got))
	}
	if _, ok := f.c.CurrentInfo(); ok {
		t.Fatal("session survived teardown")
	}
}

func TestRedialNotTornDownByPreviousAttempt(t *testing.T) {
	f := newFixture(t, acctX)
	room := signal.RoomID(acctX, acctY)

	// First attempt: accepted, then hung up locally.
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()
	first := f.eng.last(t)
	if err := f.c.End(); err != nil {
		t.Fatal(err)
	}

	// Redial the same peer: same room, same call id, new attempt.
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}

	// The first engine's close event arrives late. The call ids match, so
	// only the attempt identity can tell it apart from the live session.
	first.hooks.OnConnectionState(webrtc.PeerConnectionStateClosed)
	f.settle()
	info, ok := f.c.CurrentInfo()
	if !ok || info.State != StateOutgoingRequested {
		t.Fatalf("redial torn down by the old engine: %+v ok=%v", info, ok)
	}

	// A late candidate from the old engine is dropped the same way.
	before := len(f.fs.roomSignals(signal.KindICE))
	first.hooks.OnCandidate(signal.CandidatePayload{Candidate: "candidate:old", SDPMid: "0"})
	f.settle()
	if got := len(f.fs.roomSignals(signal.KindICE)); got != before {
		t.Fatalf("old engine's candidate forwarded into the new attempt")
	}

	// Only the first attempt is on the record.
	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Status != StatusCanceled {
		t.Fatalf("want one canceled entry for attempt 1, got %+v", entries)
	}
}

func TestCloseRecordsUnansweredCallAsCanceled(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaAudio); err != nil {
		t.Fatal(err)
	}
	f.c.Close()

	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Status != StatusCanceled {
		t.Fatalf("shutdown of a ringing call: want one canceled entry, got %+v", entries)
	}
}

func TestRemoteEndSkipsCallEndReply(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaAudio); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)

	f.fs.deliverRoom(room, roomSig(signal.KindEnd, acctX, acctY, nil))
	f.settle()

	if got := f.fs.roomSignals(signal.KindEnd); len(got) != 0 {
		t.Fatalf("replied call-end to a call-end: %d", len(got))
	}
	if _, ok := f.c.CurrentInfo(); ok {
		t.Fatal("session survived remote end")
	}
}

func TestEngineFailureTearsDownWithFailedStatus(t *testing.T) {
	f := newFixture(t, acctX)
	if err := f.c.StartCall(acctY, "", signal.MediaVideo); err != nil {
		t.Fatal(err)
	}
	room := signal.RoomID(acctX, acctY)
	f.fs.deliverRoom(room, roomSig(signal.KindAccept, acctX, acctY, nil))
	f.settle()
	eng := f.eng.last(t)
	eng.hooks.OnConnectionState(webrtc.PeerConnectionStateConnected)
	f.settle()

	eng.hooks.OnConnectionState(webrtc.PeerConnectionStateFailed)
	f.settle()

	if _, ok := f.c.CurrentInfo(); ok {
		t.Fatal("session survived engine failure")
	}
	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Status != StatusFailed {
		t.Fatalf("want one failed entry, got %+v", entries)
	}
	f.br.mu.Lock()
	errs := len(f.br.errored)
	f.br.mu.Unlock()
	if errs != 1 {
		t.Fatalf("want 1 surfaced error, got %d", errs)
	}
	// The late Closed event from our own engine.Close must be a no-op.
	eng.hooks.OnConnectionState(webrtc.PeerConnectionStateClosed)
	f.settle()
	if got := len(f.rec.all()); got != 1 {
		t.Fatalf("stale engine state produced another entry: %d", got)
	}
}

func TestPermissionFailureOnAcceptRejectsCall(t *testing.T) {
	f := newFixture(t, acctY)
	f.eng.mu.Lock()
	f.eng.fail = errors.New("media capture denied")
	f.eng.mu.Unlock()

	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaVideo))
	f.settle()

	if err := f.c.Accept(); err == nil {
		t.Fatal("accept succeeded without media")
	}
	if got := f.fs.roomSignals(signal.KindReject); len(got) != 1 {
		t.Fatalf("caller not told about media failure: %d rejects", len(got))
	}
	if _, ok := f.c.CurrentInfo(); ok {
		t.Fatal("session survived permission failure")
	}
	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Status != StatusFailed {
		t.Fatalf("want one failed entry, got %+v", entries)
	}
}

func TestRoomJoinFailureSurfaces(t *testing.T) {
	f := newFixture(t, acctX)
	f.fs.mu.Lock()
	f.fs.failRoomSub = true
	f.fs.mu.Unlock()

	if err := f.c.StartCall(acctY, "", signal.MediaAudio); err == nil {
		t.Fatal("start succeeded with transport down")
	}
	if _, ok := f.c.CurrentInfo(); ok {
		t.Fatal("session created despite join failure")
	}
}

// ── Mute / hold ──────────────────────────────────────────────────────────────

func TestMuteAndHoldDriveAudio(t *testing.T) {
	f := newFixture(t, acctY)
	f.fs.deliverInbox(acctY, request(acctX, acctY, signal.MediaAudio))
	f.settle()
	if err := f.c.Accept(); err != nil {
		t.Fatal(err)
	}
	eng := f.eng.last(t)

	if err := f.c.SetMuted(true); err != nil {
		t.Fatal(err)
	}
	eng.mu.Lock()
	enabled := eng.audioEnabled
	eng.mu.Unlock()
	if enabled {
		t.Fatal("audio still enabled while muted")
	}

	if err := f.c.SetMuted(false); err != nil {
		t.Fatal(err)
	}
	// Hold is a mute substitute: audio stays off while held even unmuted.
	if err := f.c.SetHold(true); err != nil {
		t.Fatal(err)
	}
	eng.mu.Lock()
	enabled = eng.audioEnabled
	eng.mu.Unlock()
	if enabled {
		t.Fatal("audio enabled while on hold")
	}

	if err := f.c.SetHold(false); err != nil {
		t.Fatal(err)
	}
	eng.mu.Lock()
	enabled = eng.audioEnabled
	eng.mu.Unlock()
	if !enabled {
		t.Fatal("audio not restored after hold")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistryOneCoordinatorPerAccount(t *testing.T) {
	r := NewRegistry()
	f := newFixture(t, acctX)
	if err := r.Add(acctX, f.c); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(acctX, f.c); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if got, ok := r.Get(acctX); !ok || got != f.c {
		t.Fatal("lookup failed")
	}
	r.Close()
	if _, ok := r.Get(acctX); ok {
		t.Fatal("registry not cleared on close")
	}
}
