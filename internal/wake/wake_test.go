package wake

import (
	"testing"

	"github.com/duetp2p/duet/internal/signal"
)

func TestSignalFromPayload(t *testing.T) {
	room := signal.RoomID("caller", "callee")
	p := &IncomingCallPayload{
		CallID:     room,
		RoomID:     room,
		CallerID:   "caller",
		CalleeID:   "callee",
		CallerName: "Cal",
		MediaKind:  signal.MediaVideo,
	}
	sig, err := p.Signal()
	if err != nil {
		t.Fatal(err)
	}
	if sig.Kind != signal.KindRequest {
		t.Fatalf("kind = %s, want call-request", sig.Kind)
	}
	if sig.RoomID != room || sig.CallerID != "caller" || sig.CallerName != "Cal" {
		t.Fatalf("fields lost: %+v", sig)
	}
}

func TestSignalDefaultsToAudio(t *testing.T) {
	room := signal.RoomID("a", "b")
	p := &IncomingCallPayload{CallID: room, RoomID: room, CallerID: "a", CalleeID: "b"}
	sig, err := p.Signal()
	if err != nil {
		t.Fatal(err)
	}
	if sig.MediaKind != signal.MediaAudio {
		t.Fatalf("media kind = %s, want audio", sig.MediaKind)
	}
}

func TestSignalRejectsHalfFormedPayload(t *testing.T) {
	cases := []IncomingCallPayload{
		{},
		{CallID: "call:a-b", RoomID: "call:a-b"},
		{CallID: "call:a-b", RoomID: "call:a-b", CallerID: "a"},
	}
	for _, p := range cases {
		if _, err := p.Signal(); err == nil {
			t.Fatalf("half-formed payload accepted: %+v", p)
		}
	}
}
