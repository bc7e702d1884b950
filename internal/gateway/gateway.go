// Package gateway hosts the websocket surface: one connection per
// (session, caller), carrying the session view, the live message window and
// typing activity down to the client, and commands back up.
package gateway

import (
	"encoding/json"

	"huddle/api/internal/message"
	"huddle/api/internal/presence"
	"huddle/api/internal/session"
)

// MessageView pairs a message with its id, which the store keeps in the key
// rather than the value.
type MessageView struct {
	ID string `json:"id"`
	message.ChatMessage
}

func viewMessages(msgs []message.ChatMessage) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, msg := range msgs {
		views[i] = MessageView{ID: msg.ID, ChatMessage: msg}
	}
	return views
}

// Frame is one server-to-client message. Exactly one payload field is set,
// keyed by Type.
type Frame struct {
	Type     string            `json:"type"`
	State    session.State     `json:"state,omitempty"`
	Session  *session.Session  `json:"session,omitempty"`
	Messages []MessageView     `json:"messages,omitempty"`
	Typing   []presence.Typing `json:"typing,omitempty"`
	Code     string            `json:"code,omitempty"`
	Message  string            `json:"message,omitempty"`
}

const (
	frameSession  = "session"
	frameMessages = "messages"
	frameTyping   = "typing"
	frameError    = "error"
	frameBye      = "bye"
)

// clientFrame is one client-to-server message.
type clientFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	Active    bool   `json:"active,omitempty"`
	BeforeID  string `json:"beforeId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

const (
	cmdSend   = "send"
	cmdReact  = "react"
	cmdDelete = "delete"
	cmdTyping = "typing"
	cmdOlder  = "older"
)

func errorFrame(code, msg string) Frame {
	return Frame{Type: frameError, Code: code, Message: msg}
}

func marshalFrame(f Frame) []byte {
	out, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error","code":"INTERNAL","message":"encode failed"}`)
	}
	return out
}
