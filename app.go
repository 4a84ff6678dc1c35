// app.go
package main

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"time"

	appkg "github.com/duetp2p/duet/internal/app"
	"github.com/duetp2p/duet/internal/call"
	"github.com/duetp2p/duet/internal/calllog"
	"github.com/duetp2p/duet/internal/config"
	"github.com/duetp2p/duet/internal/nativeui"
	"github.com/duetp2p/duet/internal/signal"
	"github.com/duetp2p/duet/internal/util"
)

// callEvent is one line of the in-memory call trace shown in the
// diagnostics panel.
type callEvent struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	CallID string    `json:"call_id"`
	Detail string    `json:"detail"`
}

// App is the Wails-bound surface of the desktop peer. It doubles as the
// call.UIBridge: every coordinator transition is recorded in the trace and
// forwarded to the frontend event bus.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerDir string
	cfgPath string
	connect []string

	bridge *nativeui.WailsBridge
	trace  *util.Recent[callEvent]

	mu sync.RWMutex
	rt *appkg.Runtime
}

var errNotReady = errors.New("peer is still starting")

func NewApp(peerDir string, connect []string) *App {
	return &App{
		peerDir: peerDir,
		connect: connect,
		bridge:  nativeui.NewWailsBridge(),
		trace:   util.NewRecent[callEvent](200),
	}
}

func (a *App) startup(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.bridge.SetContext(ctx)

	a.cfgPath = filepath.Join(a.peerDir, "duet.json")
	cfg, created, err := config.Ensure(a.cfgPath)
	if err != nil {
		log.Printf("APP: config %s unusable: %v", a.cfgPath, err)
		return
	}
	if created {
		log.Printf("APP: created default config at %s", a.cfgPath)
	}

	go func() {
		err := appkg.Run(a.ctx, appkg.Options{
			PeerDir: a.peerDir,
			CfgPath: a.cfgPath,
			Cfg:     cfg,
			Bridge:  a,
			Connect: a.connect,
			OnReady: func(rt *appkg.Runtime) {
				a.mu.Lock()
				a.rt = rt
				a.mu.Unlock()
				a.bridge.BindActions(rt.Coordinator)
			},
		})
		if err != nil {
			log.Printf("APP: peer stopped: %v", err)
		}
	}()
}

func (a *App) shutdown(_ context.Context) {
	a.cancel()
}

func (a *App) runtime() (*appkg.Runtime, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.rt == nil {
		return nil, errNotReady
	}
	return a.rt, nil
}

func (a *App) record(event, callID, detail string) {
	a.trace.Add(callEvent{At: time.Now(), Event: event, CallID: callID, Detail: detail})
}

// ── call.UIBridge ────────────────────────────────────────────────────────────

func (a *App) OutgoingStarted(i call.Info) {
	a.record("outgoing", i.CallID, i.PeerID)
	a.bridge.OutgoingStarted(i)
}

func (a *App) IncomingOffered(i call.Info) {
	a.record("incoming", i.CallID, i.PeerID)
	a.bridge.IncomingOffered(i)
}

func (a *App) Ringing(i call.Info) {
	a.record("ringing", i.CallID, i.PeerID)
	a.bridge.Ringing(i)
}

func (a *App) Connected(i call.Info) {
	a.record("connected", i.CallID, i.PeerID)
	a.bridge.Connected(i)
}

func (a *App) Ended(i call.Info, status call.Status) {
	a.record("ended", i.CallID, string(status))
	a.bridge.Ended(i, status)
}

func (a *App) Error(i call.Info, err error) {
	a.record("error", i.CallID, err.Error())
	a.bridge.Error(i, err)
}

// ── Wails-bound methods ──────────────────────────────────────────────────────

// PeerID returns this peer's account id once the node is up.
func (a *App) PeerID() (string, error) {
	rt, err := a.runtime()
	if err != nil {
		return "", err
	}
	return rt.Node.ID(), nil
}

// ListenAddrs returns the node's dialable multiaddresses.
func (a *App) ListenAddrs() ([]string, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ma := range rt.Node.Addrs() {
		out = append(out, ma.String()+"/p2p/"+rt.Node.ID())
	}
	return out, nil
}

// ConnectPeer dials a peer by multiaddress.
func (a *App) ConnectPeer(addr string) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	return rt.Node.Connect(ctx, addr)
}

// StartCall places a call. kind is "audio" or "video".
func (a *App) StartCall(peerID, peerName, kind string) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	mk := signal.MediaKind(kind)
	if mk != signal.MediaAudio && mk != signal.MediaVideo {
		mk = signal.MediaVideo
	}
	return rt.Coordinator.StartCall(peerID, peerName, mk)
}

func (a *App) AcceptCall() error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.Coordinator.Accept()
}

func (a *App) RejectCall() error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.Coordinator.Reject()
}

func (a *App) EndCall() error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.Coordinator.End()
}

func (a *App) SetMuted(muted bool) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.Coordinator.SetMuted(muted)
}

func (a *App) SetHold(hold bool) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.Coordinator.SetHold(hold)
}

func (a *App) SetMinimized(min bool) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.Coordinator.SetMinimized(min)
}

// CurrentCall returns the active session snapshot, or nil when idle.
func (a *App) CurrentCall() (*call.Info, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	info, ok := rt.Coordinator.CurrentInfo()
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// RecentCalls returns the newest call history entries.
func (a *App) RecentCalls(limit int) ([]calllog.Entry, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	return rt.History.Recent(limit)
}

// CallsWithPeer returns the call history with one peer.
func (a *App) CallsWithPeer(peerID string, limit int) ([]calllog.Entry, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	return rt.History.WithPeer(peerID, limit)
}

// ClearCallHistory wipes the call history.
func (a *App) ClearCallHistory() error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	return rt.History.Clear()
}

// CallTrace returns the recent coordinator transitions, oldest first.
func (a *App) CallTrace() []callEvent {
	return a.trace.Items()
}
