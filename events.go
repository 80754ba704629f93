package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Event Names
// ============================================================================

// EventName is the tag of a push-channel frame.
type EventName string

// Inbound events.
const (
	EventNewMessage     EventName = "newMessage"
	EventChatCreated    EventName = "createChat"
	EventGroupCreated   EventName = "createGroup"
	EventInviteReceived EventName = "newInvite"
	EventChatRemoved    EventName = "removeChat"
	EventPresence       EventName = "onlineStatusUpdate"
	EventLike           EventName = "likemessage"
	EventDelete         EventName = "deleteMessage"
	EventIncomingCall   EventName = "callUser"
	EventCallAccepted   EventName = "callAccepted"
	EventICECandidate   EventName = "ice-candidate"
	EventCallEnded      EventName = "callEnded"
)

// Outbound commands.
const (
	CmdJoin         EventName = "join"
	CmdHeartbeat    EventName = "heartbeat"
	CmdCheckOnline  EventName = "checkOnlineStatus"
	CmdLeaveChat    EventName = "leaveChat"
	CmdCallUser     EventName = "callUser"
	CmdAnswerCall   EventName = "answerCall"
	CmdICECandidate EventName = "ice-candidate"
	CmdEndCall      EventName = "endCall"
)

// ============================================================================
// Wire Frames
// ============================================================================

// Frame is the wire format of every push-channel message in both directions.
type Frame struct {
	Event     EventName       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame before encoding.
type Command struct {
	Name      EventName
	Data      interface{}
	RequestID string
}

func (c *Command) frame() (*Frame, error) {
	f := &Frame{Event: c.Name, RequestID: c.RequestID}
	if c.Data != nil {
		b, err := json.Marshal(c.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", c.Name, err)
		}
		f.Data = b
	}
	return f, nil
}

// ============================================================================
// Event Variants
// ============================================================================

// Event is a decoded inbound push event. Use a type switch on the concrete variant.
type Event interface {
	EventName() EventName
}

// NewMessageEvent announces a message in a chat.
type NewMessageEvent struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// ChatCreatedEvent announces a direct chat involving the local identity.
type ChatCreatedEvent struct {
	Chat ChatRecord
}

// GroupCreatedEvent announces a group the local identity belongs to.
type GroupCreatedEvent struct {
	Group Group
}

// InviteReceivedEvent announces an invite addressed to the local identity.
type InviteReceivedEvent struct {
	Invite Invite
}

// ChatRemovedEvent announces that a direct chat was deleted.
type ChatRemovedEvent struct {
	ChatID string `json:"chatId"`
}

// PresenceEvent carries the full set of online contacts.
type PresenceEvent struct {
	Online []string
}

// LikeEvent announces that Email liked a message.
type LikeEvent struct {
	MessageID string `json:"messageId"`
	Email     string `json:"email"`
}

// DeleteEvent announces that a message was deleted.
type DeleteEvent struct {
	MessageID string `json:"messageId"`
}

// IncomingCallEvent is a call offer from another identity.
type IncomingCallEvent struct {
	From   string          `json:"from"`
	Name   string          `json:"name,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// CallAcceptedEvent carries the callee's answer.
type CallAcceptedEvent struct {
	Signal json.RawMessage
}

// ICECandidateEvent carries a remote connectivity candidate.
type ICECandidateEvent struct {
	Candidate json.RawMessage
}

// CallEndedEvent announces that the remote side hung up.
type CallEndedEvent struct{}

// UnknownEvent is any frame whose tag has no registered variant.
type UnknownEvent struct {
	Name EventName
	Data json.RawMessage
}

func (NewMessageEvent) EventName() EventName     { return EventNewMessage }
func (ChatCreatedEvent) EventName() EventName    { return EventChatCreated }
func (GroupCreatedEvent) EventName() EventName   { return EventGroupCreated }
func (InviteReceivedEvent) EventName() EventName { return EventInviteReceived }
func (ChatRemovedEvent) EventName() EventName    { return EventChatRemoved }
func (PresenceEvent) EventName() EventName       { return EventPresence }
func (LikeEvent) EventName() EventName           { return EventLike }
func (DeleteEvent) EventName() EventName         { return EventDelete }
func (IncomingCallEvent) EventName() EventName   { return EventIncomingCall }
func (CallAcceptedEvent) EventName() EventName   { return EventCallAccepted }
func (ICECandidateEvent) EventName() EventName   { return EventICECandidate }
func (CallEndedEvent) EventName() EventName      { return EventCallEnded }
func (e UnknownEvent) EventName() EventName      { return e.Name }

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent validates data against the schema registered for name and decodes it
// into the matching variant. Tags without a schema decode to UnknownEvent.
func DecodeEvent(name EventName, data json.RawMessage) (Event, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := validatePayload(name, data); err != nil {
		return nil, err
	}

	switch name {
	case EventNewMessage:
		return decodePayload[NewMessageEvent](name, data)
	case EventChatCreated:
		rec, err := decodePayload[ChatRecord](name, data)
		return ChatCreatedEvent{Chat: rec}, err
	case EventGroupCreated:
		g, err := decodePayload[Group](name, data)
		return GroupCreatedEvent{Group: g}, err
	case EventInviteReceived:
		inv, err := decodePayload[Invite](name, data)
		return InviteReceivedEvent{Invite: inv}, err
	case EventChatRemoved:
		return decodePayload[ChatRemovedEvent](name, data)
	case EventPresence:
		online, err := decodePayload[[]string](name, data)
		return PresenceEvent{Online: online}, err
	case EventLike:
		return decodePayload[LikeEvent](name, data)
	case EventDelete:
		return decodePayload[DeleteEvent](name, data)
	case EventIncomingCall:
		return decodePayload[IncomingCallEvent](name, data)
	case EventCallAccepted:
		return CallAcceptedEvent{Signal: append(json.RawMessage(nil), data...)}, nil
	case EventICECandidate:
		return ICECandidateEvent{Candidate: append(json.RawMessage(nil), data...)}, nil
	case EventCallEnded:
		return CallEndedEvent{}, nil
	}
	return UnknownEvent{Name: name, Data: append(json.RawMessage(nil), data...)}, nil
}

func decodePayload[T any](name EventName, data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", name, err)
	}
	return v, nil
}
