// Package wake turns platform push-wake payloads into call signaling. A
// mobile or suspended peer is woken by its platform push channel with a
// compact payload describing the incoming call; re-injecting it as a regular
// call-request lets the coordinator treat a push-delivered call exactly like
// an inbox-delivered one, duplicate handling included.
package wake

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/duetp2p/duet/internal/call"
	"github.com/duetp2p/duet/internal/signal"
)

// IncomingCallPayload is the push notification body for an incoming call.
type IncomingCallPayload struct {
	CallID     string           `json:"call_id"`
	RoomID     string           `json:"room_id"`
	CallerID   string           `json:"caller_id"`
	CalleeID   string           `json:"callee_id"`
	CallerName string           `json:"caller_name,omitempty"`
	MediaKind  signal.MediaKind `json:"media_kind"`
}

// Signal converts the payload to the call-request it stands in for.
func (p *IncomingCallPayload) Signal() (*signal.CallSignal, error) {
	if p.CallID == "" || p.RoomID == "" {
		return nil, fmt.Errorf("wake: payload missing call/room id")
	}
	if p.CallerID == "" || p.CalleeID == "" {
		return nil, fmt.Errorf("wake: payload missing participant ids")
	}
	mk := p.MediaKind
	if mk == "" {
		mk = signal.MediaAudio
	}
	return &signal.CallSignal{
		Kind:       signal.KindRequest,
		CallID:     p.CallID,
		RoomID:     p.RoomID,
		CallerID:   p.CallerID,
		CalleeID:   p.CalleeID,
		CallerName: p.CallerName,
		MediaKind:  mk,
	}, nil
}

// Deliver routes one wake payload into the coordinator. If the same call
// already arrived over the live inbox the coordinator drops it as a
// duplicate.
func Deliver(c *call.Coordinator, p *IncomingCallPayload) error {
	sig, err := p.Signal()
	if err != nil {
		return err
	}
	log.Printf("WAKE [%s]: injecting call-request from %s", sig.RoomID, sig.CallerID)
	c.InjectInboxSignal(sig)
	return nil
}

// DeliverJSON parses a raw push body and routes it into the coordinator.
func DeliverJSON(c *call.Coordinator, body []byte) error {
	var p IncomingCallPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("wake: bad payload: %w", err)
	}
	return Deliver(c, &p)
}
