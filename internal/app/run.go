// Package app assembles a full Duet peer: transport node, signaling,
// negotiation engine factory, call coordinator, call history and config
// reload. It is the only package that imports everything, so all the
// interface adapters between the layers live here.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duetp2p/duet/internal/call"
	"github.com/duetp2p/duet/internal/calllog"
	"github.com/duetp2p/duet/internal/config"
	"github.com/duetp2p/duet/internal/negotiate"
	"github.com/duetp2p/duet/internal/signal"
	"github.com/duetp2p/duet/internal/transport"
	"github.com/duetp2p/duet/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Bridge mirrors call transitions into a native UI. Nil means headless
	// (no-op bridge).
	Bridge call.UIBridge

	// Connect holds extra multiaddrs dialed at startup, on top of the
	// config's bootstrap list.
	Connect []string

	// OnReady fires once the peer is fully assembled, before Run blocks.
	OnReady func(*Runtime)
}

// Runtime is the live peer handed to OnReady. The desktop shell binds its
// frontend methods against it.
type Runtime struct {
	Node        *transport.Node
	Transport   *transport.Transport
	Coordinator *call.Coordinator
	History     *calllog.Store

	// Reloadable settings. The config watcher updates these; engine
	// creation reads them, so a new ICE server list applies to the next
	// call without a restart.
	mu    sync.RWMutex
	ice   []string
	media config.Media
}

func (r *Runtime) applyConfig(cfg config.Config) {
	r.mu.Lock()
	r.ice = append([]string(nil), cfg.ICE.Servers...)
	r.media = cfg.Media
	r.mu.Unlock()
}

func (r *Runtime) engineConfig() ([]string, config.Media) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ice, r.media
}

// signalingAdapter narrows *transport.Transport to the coordinator's
// Signaling interface.
type signalingAdapter struct {
	t *transport.Transport
}

func (a signalingAdapter) SendToInbox(ctx context.Context, accountID string, sig *signal.CallSignal) error {
	return a.t.SendToInbox(ctx, accountID, sig)
}

func (a signalingAdapter) SendToRoom(ctx context.Context, roomID string, sig *signal.CallSignal) error {
	return a.t.SendToRoom(ctx, roomID, sig)
}

func (a signalingAdapter) SubscribeInbox(accountID string, h func(*signal.CallSignal)) (call.Subscription, error) {
	return a.t.SubscribeInbox(accountID, h)
}

func (a signalingAdapter) SubscribeRoom(roomID string, h func(*signal.CallSignal)) (call.Subscription, error) {
	return a.t.SubscribeRoom(roomID, h)
}

// Run assembles the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := transport.NewNode(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	log.Printf("APP: peer id %s", node.ID())
	for _, a := range node.Addrs() {
		log.Printf("APP: listening on %s/p2p/%s", a, node.ID())
	}

	// Dial configured bootstrap peers plus any CLI-supplied addresses.
	// Failures are logged, not fatal. mDNS may still find the peer.
	for _, addr := range append(append([]string(nil), cfg.P2P.Bootstrap...), opt.Connect...) {
		if addr == "" {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := node.Connect(dctx, addr); err != nil {
			log.Printf("APP: dial %s: %v", addr, err)
		}
		cancel()
	}

	tr := transport.New(node)

	history, err := calllog.Open(util.ResolvePath(opt.PeerDir, cfg.Call.HistoryDir))
	if err != nil {
		return fmt.Errorf("open call history: %w", err)
	}
	defer history.Close()

	rt := &Runtime{
		Node:      node,
		Transport: tr,
		History:   history,
	}
	rt.applyConfig(cfg)

	factory := func(callID string, mediaKind signal.MediaKind, hooks call.EngineHooks) (call.Engine, error) {
		ice, media := rt.engineConfig()
		return negotiate.New(callID, mediaKind, negotiate.Config{
			ICEServers:        parseICEServers(ice),
			MaxWidth:          media.MaxWidth,
			MaxHeight:         media.MaxHeight,
			VideoBitRate:      media.VideoBitRate,
			OnCandidate:       hooks.OnCandidate,
			OnConnectionState: hooks.OnConnectionState,
		})
	}

	coord, err := call.New(call.Config{
		AccountID:   node.ID(),
		DisplayName: cfg.Profile.DisplayName,
		Signaling:   signalingAdapter{t: tr},
		NewEngine:   factory,
		Bridge:      opt.Bridge,
		Recorder:    history,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Close()
	rt.Coordinator = coord

	// Live reload: a rewritten config applies its ICE/media settings to
	// the next call. Identity and transport settings need a restart.
	if opt.CfgPath != "" {
		if w, err := config.Watch(opt.CfgPath, rt.applyConfig); err != nil {
			log.Printf("APP: config watch disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	if opt.OnReady != nil {
		opt.OnReady(rt)
	}

	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}
