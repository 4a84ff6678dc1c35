// Package nativeui mirrors call lifecycle transitions into the desktop
// shell. The bridge degrades to a no-op whenever the shell is absent: before
// Wails startup has delivered a context, and for the whole process lifetime
// in headless mode, every notification is silently dropped and the
// coordinator never notices the difference.
package nativeui

import (
	"context"
	"log"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/duetp2p/duet/internal/call"
)

// Event names emitted towards the frontend.
const (
	EventOutgoing  = "call:outgoing"
	EventIncoming  = "call:incoming"
	EventRinging   = "call:ringing"
	EventConnected = "call:connected"
	EventEnded     = "call:ended"
	EventError     = "call:error"
)

// Frontend-originated call control events.
const (
	actionAccept    = "call:ui:accept"
	actionReject    = "call:ui:reject"
	actionEnd       = "call:ui:end"
	actionMute      = "call:ui:mute"
	actionHold      = "call:ui:hold"
	actionMinimized = "call:ui:minimized"
)

// Actions is what the bridge needs from the coordinator to service frontend
// call controls. *call.Coordinator satisfies it.
type Actions interface {
	Accept() error
	Reject() error
	End() error
	SetMuted(muted bool) error
	SetHold(hold bool) error
	SetMinimized(min bool) error
}

// WailsBridge implements call.UIBridge on top of the Wails event bus.
type WailsBridge struct {
	mu  sync.RWMutex
	ctx context.Context
}

func NewWailsBridge() *WailsBridge { return &WailsBridge{} }

// SetContext arms the bridge. Called from Wails startup; until then the
// bridge stays in its no-op state.
func (b *WailsBridge) SetContext(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *WailsBridge) emit(event string, payload map[string]any) {
	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()
	if ctx == nil {
		return
	}
	runtime.EventsEmit(ctx, event, payload)
}

func infoPayload(i call.Info) map[string]any {
	return map[string]any{
		"call_id":    i.CallID,
		"room_id":    i.RoomID,
		"peer_id":    i.PeerID,
		"peer_name":  i.PeerName,
		"media_kind": string(i.MediaKind),
		"direction":  string(i.Direction),
		"state":      i.State.String(),
		"muted":      i.Muted,
		"on_hold":    i.OnHold,
		"minimized":  i.Minimized,
	}
}

func (b *WailsBridge) OutgoingStarted(i call.Info) { b.emit(EventOutgoing, infoPayload(i)) }
func (b *WailsBridge) IncomingOffered(i call.Info) { b.emit(EventIncoming, infoPayload(i)) }
func (b *WailsBridge) Ringing(i call.Info)         { b.emit(EventRinging, infoPayload(i)) }
func (b *WailsBridge) Connected(i call.Info)       { b.emit(EventConnected, infoPayload(i)) }

func (b *WailsBridge) Ended(i call.Info, status call.Status) {
	p := infoPayload(i)
	p["status"] = string(status)
	b.emit(EventEnded, p)
}

func (b *WailsBridge) Error(i call.Info, err error) {
	p := infoPayload(i)
	p["error"] = err.Error()
	b.emit(EventError, p)
}

// BindActions subscribes the frontend call-control events and routes them to
// the coordinator. Must be called after SetContext.
func (b *WailsBridge) BindActions(a Actions) {
	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()
	if ctx == nil {
		log.Printf("NATIVEUI: no shell context, call controls not bound")
		return
	}

	run := func(name string, fn func() error) {
		if err := fn(); err != nil {
			log.Printf("NATIVEUI: %s: %v", name, err)
		}
	}
	runtime.EventsOn(ctx, actionAccept, func(...any) { run("accept", a.Accept) })
	runtime.EventsOn(ctx, actionReject, func(...any) { run("reject", a.Reject) })
	runtime.EventsOn(ctx, actionEnd, func(...any) { run("end", a.End) })
	runtime.EventsOn(ctx, actionMute, func(args ...any) {
		run("mute", func() error { return a.SetMuted(boolArg(args)) })
	})
	runtime.EventsOn(ctx, actionHold, func(args ...any) {
		run("hold", func() error { return a.SetHold(boolArg(args)) })
	})
	runtime.EventsOn(ctx, actionMinimized, func(args ...any) {
		run("minimized", func() error { return a.SetMinimized(boolArg(args)) })
	})
}

func boolArg(args []any) bool {
	if len(args) == 0 {
		return false
	}
	v, _ := args[0].(bool)
	return v
}
