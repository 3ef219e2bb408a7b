// Package wire defines the signaling frames exchanged between meeting
// clients and the relay.
//
// The frame vocabulary is a closed set: adding a kind means touching the
// Kind constants and every exhaustive switch over them, which is the point.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind enumerates every routable frame type.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindReady        Kind = "ready"
	KindUserJoined   Kind = "user-joined"
	KindUserLeft     Kind = "user-left"
	KindScreenShare  Kind = "screen-share"
	KindChat         Kind = "chat"
	KindEvent        Kind = "event"
)

// Kinds lists every routable kind, for exhaustiveness checks in tests.
var Kinds = []Kind{
	KindOffer, KindAnswer, KindICECandidate, KindReady,
	KindUserJoined, KindUserLeft, KindScreenShare, KindChat, KindEvent,
}

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindReady,
		KindUserJoined, KindUserLeft, KindScreenShare, KindChat, KindEvent:
		return true
	}
	return false
}

// ActionSendMessage is the only action accepted on the signaling channel.
const ActionSendMessage = "sendMessage"

var (
	ErrBadSelector = errors.New("exactly one of targetConnectionId, targetUserId, meetingId must be set")
	ErrMissingData = errors.New("missing required field: data")
)

// SendRequest is a client's routing request: deliver Data to the
// connection(s) picked out by exactly one of the three selectors.
type SendRequest struct {
	Action             string          `json:"action"`
	TargetConnectionID string          `json:"targetConnectionId,omitempty"`
	TargetUserID       string          `json:"targetUserId,omitempty"`
	MeetingID          string          `json:"meetingId,omitempty"`
	Type               Kind            `json:"messageType"`
	Data               json.RawMessage `json:"data"`
}

// ParseSendRequest decodes a SendRequest strictly: unknown fields and
// trailing data are rejected, as is any request that fails Validate.
func ParseSendRequest(data []byte) (SendRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req SendRequest
	if err := dec.Decode(&req); err != nil {
		return SendRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SendRequest{}, fmt.Errorf("unexpected trailing data")
	}
	if err := req.Validate(); err != nil {
		return SendRequest{}, err
	}
	return req, nil
}

func (r SendRequest) Validate() error {
	if r.Action != "" && r.Action != ActionSendMessage {
		return fmt.Errorf("unsupported action %q", r.Action)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unsupported message type %q", r.Type)
	}
	selectors := 0
	if r.TargetConnectionID != "" {
		selectors++
	}
	if r.TargetUserID != "" {
		selectors++
	}
	if r.MeetingID != "" {
		selectors++
	}
	if selectors != 1 {
		return ErrBadSelector
	}
	if len(r.Data) == 0 || bytes.Equal(r.Data, []byte("null")) {
		return ErrMissingData
	}
	return nil
}

// Identity names a frame's sender. UserID and UserName are empty when the
// sender's registry record could not be read.
type Identity struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	UserName     string `json:"userName,omitempty"`
}

// Frame is what target connections receive.
type Frame struct {
	Type      Kind            `json:"type"`
	From      Identity        `json:"from"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Receipt reports a routing call's fan-out result back to the sender.
// Delivery is best-effort per target; Failed counts targets whose channel
// was gone or refused the write.
type Receipt struct {
	Type   string `json:"type"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

// TypeReceipt and TypeError tag the two relay-originated message shapes
// that are not routable Frames.
const (
	TypeReceipt = "receipt"
	TypeError   = "error"
)

func NewReceipt(sent, failed int) Receipt {
	return Receipt{Type: TypeReceipt, Sent: sent, Failed: failed}
}

// ErrorFrame is sent to a client whose input was rejected. The connection
// stays open; the request is simply not relayed.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// SessionDescription is the wire form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ScreenShare is the payload of a screen-share frame.
type ScreenShare struct {
	Status string `json:"status"` // "started" or "stopped"
}

// Presence is the payload of ready, user-joined and user-left frames.
type Presence struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}
