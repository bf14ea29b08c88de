// Package proto defines the message schema spoken on the hub <-> client
// WebSocket channel. Every frame is a JSON object with a "type" discriminator;
// Decode maps it onto a closed set of Go variants so consumers can switch
// exhaustively instead of silently dropping unknown shapes.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire values of the "type" discriminator.
const (
	TypeLogin       = "login"
	TypeRegister    = "register" // legacy alias of "login"
	TypeHeartbeat   = "heartbeat"
	TypeCallStatus  = "callStatus"
	TypeReregister  = "reregister"
	TypeOnlineUsers = "onlineUsers"
	TypeUserList    = "userList" // legacy alias of "onlineUsers"
)

// Action qualifies a reregister directive.
type Action string

const (
	// ActionUserLogin is relayed when a peer announces itself. Disruptive:
	// the hub skips recipients that are mid-call.
	ActionUserLogin Action = "user_login"

	// ActionCallEnded is emitted by a client whose call just terminated.
	// Never filtered: peers that deferred reconciliation while busy must
	// hear it immediately.
	ActionCallEnded Action = "call_ended"

	// ActionPeriodicSync is the hub's unconditional nudge against silent
	// transport death. Disruptive, so in-call recipients are skipped.
	ActionPeriodicSync Action = "periodic_sync"
)

// Disruptive reports whether delivering this directive to a client that is
// currently in a call would risk tearing down its media session.
func (a Action) Disruptive() bool {
	return a != ActionCallEnded
}

var (
	ErrUnknownType   = errors.New("proto: unknown message type")
	ErrUnknownAction = errors.New("proto: unknown directive action")
)

// Message is the closed set of frames exchanged with the hub.
type Message interface {
	isMessage()
}

// Login binds a connection to a client identity.
type Login struct {
	Username string
}

// Heartbeat refreshes liveness for an identity, restoring the connection
// mapping if the hub lost it.
type Heartbeat struct {
	From   string
	Status string
}

// CallStatus updates the in-call flag for an identity.
type CallStatus struct {
	Username string
	InCall   bool
}

// Directive asks receivers to re-register their SIP endpoint.
type Directive struct {
	From   string
	Action Action
}

// OnlineUsers is the full presence snapshot.
type OnlineUsers struct {
	Users []string
}

func (Login) isMessage()       {}
func (Heartbeat) isMessage()   {}
func (CallStatus) isMessage()  {}
func (Directive) isMessage()   {}
func (OnlineUsers) isMessage() {}

// envelope is the superset of fields across all frame kinds.
type envelope struct {
	Type     string   `json:"type"`
	Username string   `json:"username,omitempty"`
	From     string   `json:"from,omitempty"`
	Status   string   `json:"status,omitempty"`
	InCall   bool     `json:"inCall,omitempty"`
	Action   string   `json:"action,omitempty"`
	Users    []string `json:"users,omitempty"`
}

// NormalizeIdentity trims surrounding whitespace. Identities are otherwise
// matched exactly; in particular there is no case folding of the
// address-of-record.
func NormalizeIdentity(id string) string {
	return strings.TrimSpace(id)
}

// ParseAction maps a wire action onto the canonical Action, accepting the
// dash-separated spellings older clients send.
func ParseAction(raw string) (Action, error) {
	switch raw {
	case "user_login", "user-login":
		return ActionUserLogin, nil
	case "call_ended", "call-ended":
		return ActionCallEnded, nil
	case "periodic_sync", "periodic-sync":
		return ActionPeriodicSync, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// Decode parses one wire frame. Malformed JSON and unknown types come back as
// errors so the caller can log and drop the frame without closing the
// connection.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("proto: decode frame: %w", err)
	}

	switch env.Type {
	case TypeLogin, TypeRegister:
		return Login{Username: NormalizeIdentity(env.Username)}, nil
	case TypeHeartbeat:
		return Heartbeat{From: NormalizeIdentity(env.From), Status: env.Status}, nil
	case TypeCallStatus:
		return CallStatus{Username: NormalizeIdentity(env.Username), InCall: env.InCall}, nil
	case TypeReregister:
		action, err := ParseAction(env.Action)
		if err != nil {
			return nil, err
		}
		return Directive{From: NormalizeIdentity(env.From), Action: action}, nil
	case TypeOnlineUsers, TypeUserList:
		return OnlineUsers{Users: env.Users}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// Encode renders a frame for the wire.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch v := m.(type) {
	case Login:
		env = envelope{Type: TypeLogin, Username: v.Username}
	case Heartbeat:
		env = envelope{Type: TypeHeartbeat, From: v.From, Status: v.Status}
	case CallStatus:
		env = envelope{Type: TypeCallStatus, Username: v.Username, InCall: v.InCall}
	case Directive:
		env = envelope{Type: TypeReregister, From: v.From, Action: string(v.Action)}
	case OnlineUsers:
		env = envelope{Type: TypeOnlineUsers, Users: v.Users}
	default:
		return nil, fmt.Errorf("proto: encode: unhandled message %T", m)
	}
	return json.Marshal(env)
}
