// Package eventsub implements the persistent Twitch EventSub websocket
// client: session lifecycle, per-session subscription reconciliation, and
// dispatch of stream status changes onto the ingest queue.
package eventsub

import (
	"encoding/json"
	"fmt"
)

// Type classifies an EventSub websocket frame. The set is closed; anything
// else parses as TypeUnknown and is ignored by the client.
type Type string

const (
	TypeWelcome      Type = "session_welcome"
	TypeKeepalive    Type = "session_keepalive"
	TypeReconnect    Type = "session_reconnect"
	TypeNotification Type = "notification"
	TypeRevocation   Type = "revocation"
	TypeUnknown      Type = "unknown"
)

// Session identifies one live feed connection. ReconnectURL, when present,
// replaces the default endpoint for future connects.
type Session struct {
	ID           string `json:"id"`
	ReconnectURL string `json:"reconnect_url"`
}

// StreamEvent is the payload of a stream.online / stream.offline notification.
type StreamEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

// Revocation describes a subscription the server revoked.
type Revocation struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Message is the parsed form of one websocket text frame.
type Message struct {
	ID               string
	Type             Type
	SubscriptionType string

	Session    *Session     // welcome / reconnect
	Event      *StreamEvent // notification
	Revocation *Revocation  // revocation
}

type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// Parse decodes a raw frame into a Message. Unrecognized message types yield
// TypeUnknown with no payload rather than an error.
func Parse(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode eventsub envelope: %w", err)
	}
	msg := Message{ID: env.Metadata.MessageID, SubscriptionType: env.Metadata.SubscriptionType}

	switch Type(env.Metadata.MessageType) {
	case TypeWelcome, TypeReconnect:
		msg.Type = Type(env.Metadata.MessageType)
		var p struct {
			Session Session `json:"session"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", env.Metadata.MessageType, err)
		}
		if p.Session.ID == "" {
			return Message{}, fmt.Errorf("%s payload missing session id", env.Metadata.MessageType)
		}
		msg.Session = &p.Session
	case TypeNotification:
		msg.Type = TypeNotification
		var p struct {
			Subscription struct {
				Type string `json:"type"`
			} `json:"subscription"`
			Event StreamEvent `json:"event"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode notification payload: %w", err)
		}
		if msg.SubscriptionType == "" {
			msg.SubscriptionType = p.Subscription.Type
		}
		msg.Event = &p.Event
	case TypeRevocation:
		msg.Type = TypeRevocation
		var p struct {
			Subscription Revocation `json:"subscription"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode revocation payload: %w", err)
		}
		msg.Revocation = &p.Subscription
	case TypeKeepalive:
		msg.Type = TypeKeepalive
	default:
		msg.Type = TypeUnknown
	}
	return msg, nil
}
