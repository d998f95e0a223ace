package models

import "time"

type ConversationState string

const (
	StateNew           ConversationState = "New"
	StateWaiting       ConversationState = "Waiting"
	StateNeedsResponse ConversationState = "NeedsResponse"
	StateOverdue       ConversationState = "Overdue"
	StateClosed        ConversationState = "Closed"
	StateArchived      ConversationState = "Archived"
)

type Conversation struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	RoomID         string            `json:"room_id"`
	FirstMessageID string            `json:"first_message_id"`
	State          ConversationState `json:"state"`
	Created        time.Time         `json:"created"`

	// LastSupporteeMessageID is set while the conversation awaits a staff response.
	LastSupporteeMessageID string    `json:"last_supportee_message_id,omitempty"`
	LastSupporteeMessageAt time.Time `json:"last_supportee_message_at,omitempty"`

	Assignees []string `json:"assignees,omitempty"`

	// Breach markers live in their own key and are merged in on read.
	TimeToRespondWarningNotificationSent *time.Time `json:"-"`
	TimeToRespondOverdueNotificationSent *time.Time `json:"-"`
}

// IsAwaitingResponse reports whether a supportee is waiting on staff.
func (c *Conversation) IsAwaitingResponse() bool {
	return c.LastSupporteeMessageID != ""
}

// WaitingSince is the instant the current wait started.
func (c *Conversation) WaitingSince() time.Time {
	if !c.LastSupporteeMessageAt.IsZero() {
		return c.LastSupporteeMessageAt
	}
	return c.Created
}

func (c *Conversation) IsAssignee(memberID string) bool {
	for _, id := range c.Assignees {
		if id == memberID {
			return true
		}
	}
	return false
}

// BreachKind identifies which response-time threshold was crossed.
type BreachKind string

const (
	BreachWarning BreachKind = "warning"
	BreachOverdue BreachKind = "overdue"
)

// Marker returns the notification timestamp recorded for kind, if any.
func (c *Conversation) Marker(kind BreachKind) *time.Time {
	if kind == BreachOverdue {
		return c.TimeToRespondOverdueNotificationSent
	}
	return c.TimeToRespondWarningNotificationSent
}

func (c *Conversation) SetMarker(kind BreachKind, at time.Time) {
	if kind == BreachOverdue {
		c.TimeToRespondOverdueNotificationSent = &at
		return
	}
	c.TimeToRespondWarningNotificationSent = &at
}
