package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// StatusSuccess is the envelope status the server uses for a logically successful call.
const StatusSuccess = "SUCCESS"

// APIError represents a non-2xx response from the chat server.
type APIError struct {
	StatusCode int    `json:"-"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Result is the generic response envelope returned by every REST endpoint.
type Result struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the envelope signals logical success.
// A 200 response can still carry a failed status.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity & Users
// ============================================================================

// Identity is the authenticated local user.
type Identity struct {
	ID         string `json:"_id,omitempty"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic,omitempty"`
	Background int    `json:"background"`
	Token      string `json:"token,omitempty"`
}

// Summary returns the public part of the identity.
func (i *Identity) Summary() UserSummary {
	return UserSummary{
		Email:      i.Email,
		Username:   i.Username,
		ProfilePic: i.ProfilePic,
		Background: i.Background,
	}
}

// UserSummary identifies a participant, group member or inviter.
type UserSummary struct {
	Email      string `json:"email"`
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic,omitempty"`
	Background int    `json:"background,omitempty"`
}

// ============================================================================
// Directory Types
// ============================================================================

// DirectChat is a one-to-one conversation. Participant is the other side.
type DirectChat struct {
	ID          string      `json:"_id"`
	Participant UserSummary `json:"participant"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ChatRecord is a direct chat as the server sends it: both participants included.
type ChatRecord struct {
	ID           string        `json:"_id"`
	Participants []UserSummary `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Group is a multi-member conversation.
type Group struct {
	ID        string        `json:"_id"`
	Name      string        `json:"groupName"`
	Icon      string        `json:"groupIcon,omitempty"`
	Members   []UserSummary `json:"participants"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty"`
}

// Invite is a pending chat invitation addressed to the local identity.
type Invite struct {
	ID         string `json:"_id"`
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic,omitempty"`
	Email      string `json:"email"`
	ToEmail    string `json:"toEmail,omitempty"`
}

// From returns the inviter.
func (i Invite) From() UserSummary {
	return UserSummary{Email: i.Email, Username: i.Username, ProfilePic: i.ProfilePic}
}

// ============================================================================
// Message Types
// ============================================================================

// Message is one entry of a conversation history.
type Message struct {
	ID          string    `json:"_id"`
	ChatID      string    `json:"chatId,omitempty"`
	SenderEmail string    `json:"senderEmail"`
	Body        string    `json:"message"`
	Kind        string    `json:"messageType,omitempty"`
	IsDeleted   bool      `json:"isDeleted"`
	IsEdited    bool      `json:"isEdited,omitempty"`
	LikedBy     []string  `json:"like"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LikedByEmail reports whether email has liked the message.
func (m *Message) LikedByEmail(email string) bool {
	for _, e := range m.LikedBy {
		if e == email {
			return true
		}
	}
	return false
}

func (m *Message) clone() Message {
	out := *m
	out.LikedBy = append([]string(nil), m.LikedBy...)
	return out
}

// sortKey orders messages by creation time, falling back to the update time.
func (m *Message) sortKey() time.Time {
	if m.CreatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// ============================================================================
// Request Options
// ============================================================================

// RegisterOptions are the fields needed to create an account.
type RegisterOptions struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UpdateProfileOptions changes the public profile of the identity.
type UpdateProfileOptions struct {
	Email      string `json:"email"`
	Username   string `json:"username,omitempty"`
	Background int    `json:"background"`
}

// InviteOptions describes an outgoing invitation.
type InviteOptions struct {
	InvitedEmail      string `json:"invitedEmail"`
	InviteeEmail      string `json:"inviteeEmail"`
	InviteeUsername   string `json:"inviteeUsername"`
	InviteeProfilePic string `json:"inviteeProfilePic,omitempty"`
}

// CreateGroupOptions describes a new group.
type CreateGroupOptions struct {
	Name         string   `json:"groupName"`
	Icon         string   `json:"groupIcon,omitempty"`
	Participants []string `json:"participants"`
}

// SendOptions carries a new message body.
type SendOptions struct {
	SenderEmail        string   `json:"senderEmail"`
	Body               string   `json:"message"`
	Kind               string   `json:"messageType,omitempty"`
	OtherSideUserEmail string   `json:"otherSideUserEmail,omitempty"`
	Participants       []string `json:"participants,omitempty"`
}
