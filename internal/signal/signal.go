// Package signal defines the call signaling records exchanged between two
// Duet peers and the deterministic topic addressing used on the pub/sub
// transport. It is maximally standalone (stdlib only) so both the
// transport and the coordinator can depend on it without dragging in
// libp2p or Pion.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the value of the "kind" field of every CallSignal.
type Kind string

const (
	KindRequest Kind = "call-request"  // caller inbox → callee: initiate a call
	KindRinging Kind = "call-ringing"  // callee → room: device is alerting (advisory)
	KindAccept  Kind = "call-accept"   // callee → room: call accepted, SDP exchange starts
	KindReject  Kind = "call-reject"   // callee → caller: declined, or busy auto-reject
	KindEnd     Kind = "call-end"      // either side → room: end the call
	KindOffer   Kind = "offer"         // caller → room: SDP offer (after accept)
	KindAnswer  Kind = "answer"        // callee → room: SDP answer
	KindICE     Kind = "ice-candidate" // either → room: trickle ICE candidate
)

// MediaKind selects audio-only or audio+video for a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CallSignal is the wire record for all call signaling. It travels verbatim
// over both the inbox and the room channel; Payload is kind-dependent
// (SDP for offer/answer, candidate for ice-candidate, absent otherwise).
type CallSignal struct {
	Kind       Kind            `json:"kind"`
	CallID     string          `json:"call_id"`
	RoomID     string          `json:"room_id"`
	CallerID   string          `json:"caller_id"`
	CalleeID   string          `json:"callee_id"`
	CallerName string          `json:"caller_name,omitempty"`
	MediaKind  MediaKind       `json:"media_kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Timestamp is Unix milliseconds at send time. Informational only;
	// never used for ordering.
	Timestamp int64 `json:"timestamp"`
}

// DescriptionPayload carries an SDP blob for offer and answer signals.
type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload is the standard RTCIceCandidateInit shape (W3C WebRTC).
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// RoomID derives the shared room identifier for a call between two accounts.
// It is order-independent: both sides compute the same value from the sorted
// pair, so no coordination is needed to agree on the channel name.
func RoomID(a, b string) string {
	lo, hi := a, b
	if strings.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	return "call:" + lo + "-" + hi
}

// InboxTopic is the pub/sub topic name for an account's personal inbox.
func InboxTopic(accountID string) string {
	return "inbox:" + accountID
}

// RoomTopic is the pub/sub topic name for a call room. The room identifier
// doubles as the topic name.
func RoomTopic(roomID string) string {
	return roomID
}

// Encode marshals a signal for the wire, stamping the timestamp if unset.
func Encode(s *CallSignal) ([]byte, error) {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(s)
}

// Decode parses and validates a wire record. Records with an unknown kind or
// missing identifiers are rejected so handlers never see a half-formed signal.
func Decode(data []byte) (*CallSignal, error) {
	var s CallSignal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	switch s.Kind {
	case KindRequest, KindRinging, KindAccept, KindReject, KindEnd,
		KindOffer, KindAnswer, KindICE:
	default:
		return nil, fmt.Errorf("decode signal: unknown kind %q", s.Kind)
	}
	if s.CallID == "" || s.RoomID == "" {
		return nil, fmt.Errorf("decode signal: missing call/room id (kind=%s)", s.Kind)
	}
	if s.CallerID == "" || s.CalleeID == "" {
		return nil, fmt.Errorf("decode signal: missing participant ids (kind=%s)", s.Kind)
	}
	return &s, nil
}

// Description wraps an SDP blob as a signal payload.
func Description(sdp string) json.RawMessage {
	b, _ := json.Marshal(DescriptionPayload{SDP: sdp})
	return b
}

// DecodeDescription extracts the SDP from an offer or answer signal.
func (s *CallSignal) DecodeDescription() (string, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return "", fmt.Errorf("decode %s payload: %w", s.Kind, err)
	}
	if p.SDP == "" {
		return "", fmt.Errorf("decode %s payload: empty sdp", s.Kind)
	}
	return p.SDP, nil
}

// Candidate wraps an ICE candidate as a signal payload.
func Candidate(c CandidatePayload) json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}

// DecodeCandidate extracts the ICE candidate from an ice-candidate signal.
func (s *CallSignal) DecodeCandidate() (CandidatePayload, error) {
	var p CandidatePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return CandidatePayload{}, fmt.Errorf("decode candidate payload: %w", err)
	}
	if p.Candidate == "" {
		return CandidatePayload{}, fmt.Errorf("decode candidate payload: empty candidate")
	}
	return p, nil
}
