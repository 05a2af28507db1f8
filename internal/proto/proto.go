// Package proto defines the JSON wire protocol spoken over the signaling
// WebSocket. SDP and ICE payloads are opaque blobs here: the relay routes
// them, it never looks inside.
package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type EventType string

// Client -> relay.
const (
	EventLogin          EventType = "login"
	EventPrivateMessage EventType = "private_message" // both directions
	EventCallUser       EventType = "call-user"
	EventAnswerCall     EventType = "answer-call"
	EventICECandidate   EventType = "ice-candidate" // both directions
	EventEndCall        EventType = "end-call"
	EventPing           EventType = "ping"
)

// Relay -> client.
const (
	EventLoggedIn     EventType = "logged_in"
	EventUserList     EventType = "user_list"
	EventCallMade     EventType = "call-made"
	EventCallAccepted EventType = "call-accepted"
	EventCallEnded    EventType = "call-ended"
	EventError        EventType = "error"
	EventPong         EventType = "pong"
)

// User is a roster entry.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Envelope is the single flat wire shape for every event; which fields are
// meaningful depends on Type. Validate enforces the per-type contract.
type Envelope struct {
	Type EventType `json:"type"`

	// identity
	Name   string `json:"name,omitempty"`
	UserID string `json:"userId,omitempty"`

	// routing
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	// chat
	Msg string `json:"msg,omitempty"`
	Ts  int64  `json:"ts,omitempty"`

	// call signaling; all three payloads stay opaque
	UserToCall string          `json:"userToCall,omitempty"`
	SignalData json.RawMessage `json:"signalData,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Reason     string          `json:"reason,omitempty"`

	// roster
	Users []User `json:"users,omitempty"`

	// errors
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes one inbound frame strictly: unknown fields, trailing data,
// or a payload that does not match its type are all rejected.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Encode marshals an outbound event.
func Encode(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event without type")
	}
	return json.Marshal(e)
}

// Validate checks the required fields for the event type, in both
// directions so test harnesses and probe clients can reuse it.
func (e Envelope) Validate() error {
	switch e.Type {
	case EventLogin:
		if e.Name == "" {
			return fmt.Errorf("login missing name")
		}
	case EventPrivateMessage:
		if e.To == "" && e.From == "" {
			return fmt.Errorf("private_message missing to/from")
		}
		if e.Msg == "" {
			return fmt.Errorf("private_message missing msg")
		}
	case EventCallUser:
		if e.UserToCall == "" {
			return fmt.Errorf("call-user missing userToCall")
		}
		if len(e.SignalData) == 0 {
			return fmt.Errorf("call-user missing signalData")
		}
	case EventAnswerCall:
		if e.To == "" {
			return fmt.Errorf("answer-call missing to")
		}
		if len(e.Signal) == 0 {
			return fmt.Errorf("answer-call missing signal")
		}
	case EventICECandidate:
		if e.To == "" && e.From == "" {
			return fmt.Errorf("ice-candidate missing to/from")
		}
		if len(e.Candidate) == 0 {
			return fmt.Errorf("ice-candidate missing candidate")
		}
	case EventEndCall:
		if e.To == "" {
			return fmt.Errorf("end-call missing to")
		}
	case EventPing, EventPong, EventUserList:
	case EventLoggedIn:
		if e.UserID == "" {
			return fmt.Errorf("logged_in missing userId")
		}
	case EventCallMade:
		if e.From == "" || len(e.Signal) == 0 {
			return fmt.Errorf("call-made missing from/signal")
		}
	case EventCallAccepted:
		if e.From == "" || len(e.Signal) == 0 {
			return fmt.Errorf("call-accepted missing from/signal")
		}
	case EventCallEnded:
		if e.From == "" {
			return fmt.Errorf("call-ended missing from")
		}
	case EventError:
		if e.Code == "" {
			return fmt.Errorf("error missing code")
		}
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}
