// Package protocol defines the JSON wire frames shared by the signaling,
// ICE, and TURN services, plus the protocol-wide limits and literals.
//
// Every server frame is one JSON document. On the TURN datagram socket (and
// on the ICE relay path) a single leading origin-tag byte distinguishes
// server frames from peer-forwarded payloads; that byte is the entire
// demultiplexing contract and is never part of the JSON.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Wire-protocol limits.
const (
	MaxMessageLength = 128 // max bytes for a single stream frame
	MaxParticipants  = 2   // max participants per meeting
	MeetingIDLength  = 9   // decimal digits in a meeting ID
	PasswordLength   = 12  // alphanumeric characters in a meeting password
)

// Heartbeat is the liveness token. It is sent as a bare ASCII literal in
// both directions and is never wrapped in JSON or an origin tag.
var Heartbeat = []byte("HEARTBEAT")

// Origin tags prepended to TURN egress datagrams and to ICE relayed payloads.
const (
	TagServer byte = 'S' // remainder is a server JSON frame
	TagPeer   byte = 'C' // remainder is a verbatim counterparty payload
)

// Request verbs.
const (
	VerbStart      = "start"
	VerbJoin       = "join"
	VerbSwitch     = "switch"
	VerbLeave      = "leave"
	VerbEnd        = "end"
	VerbConnect    = "connect"
	VerbDisconnect = "disconnect"
)

// Error reasons. These strings are wire contract; clients match on them.
const (
	ReasonInvalidRequest          = "Invalid request"
	ReasonAlreadyCreated          = "You've already created a meeting recently"
	ReasonInMeeting               = "You're already in a meeting"
	ReasonNotInMeeting            = "You're not in a meeting"
	ReasonInvalidMeetingID        = "An invalid meeting ID was entered"
	ReasonInvalidPassword         = "The password for this meeting is incorrect"
	ReasonMeetingFull             = "This meeting is full"
	ReasonAloneInMeeting          = "You're alone in this meeting"
	ReasonInsufficientPermissions = "Insufficient permissions"
	ReasonInvalidUser             = "This IP address is not connected to this meeting via the Signaling service"
	ReasonPeerNotConnected        = "The other user is not connected yet."
	ReasonUnknownError            = "An unknown error occurred"
)

// Response statuses and types.
const (
	StatusSuccess = "success"
	StatusInfo    = "info"
	StatusError   = "error"

	TypeCreated      = "created"
	TypeConnected    = "connected"
	TypeSwitched     = "switched"
	TypeDisconnected = "disconnected"
	TypeEnded        = "ended"
	TypeLeft         = "left"
)

// Request is a client command. The caller's identity is implicit (its
// transport address); ID and Password are only present on join/connect.
type Request struct {
	Request  string `json:"request"`
	ID       string `json:"id,omitempty"`
	Password string `json:"password,omitempty"`
}

// Response is a server frame: an acknowledgement, a side notification, or
// an error, distinguished by the Response field.
type Response struct {
	Response string `json:"response"`
	Type     string `json:"type,omitempty"`
	ID       string `json:"id,omitempty"`
	Password string `json:"password,omitempty"`
	Waiting  *bool  `json:"waiting,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Success builds a success acknowledgement of the given type.
func Success(typ string) Response {
	return Response{Response: StatusSuccess, Type: typ}
}

// SuccessWaiting builds a success acknowledgement carrying a waiting flag.
func SuccessWaiting(typ string, waiting bool) Response {
	return Response{Response: StatusSuccess, Type: typ, Waiting: &waiting}
}

// Info builds a side notification of the given type.
func Info(typ string) Response {
	return Response{Response: StatusInfo, Type: typ}
}

// Error builds an error frame with the given reason literal.
func Error(reason string) Response {
	return Response{Response: StatusError, Reason: reason}
}

// Encode renders the response as one JSON document.
func (r Response) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Response contains only strings and a *bool; Marshal cannot fail.
		panic(err)
	}
	return data
}

// IsHeartbeat reports whether the frame is the liveness token.
func IsHeartbeat(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), Heartbeat)
}

// IsObject reports whether the payload looks like a JSON object. Frames
// that are not JSON objects are peer-bound on the relay engines.
func IsObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// ParseRequest decodes a client command. ok is false when the payload is
// not a JSON object or carries no request verb.
func ParseRequest(data []byte) (Request, bool) {
	if !IsObject(data) {
		return Request{}, false
	}
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(data), &req); err != nil {
		return Request{}, false
	}
	if req.Request == "" {
		return Request{}, false
	}
	return req, true
}

// Tag prepends an origin-tag byte to a payload without aliasing it.
func Tag(tag byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, tag)
	return append(out, payload...)
}
