package models

import "time"

// PendingMemberNotification is a queued notice for one member about one
// conversation. Delivery is handled elsewhere.
type PendingMemberNotification struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	MemberID       string     `json:"member_id"`
	Kind           BreachKind `json:"kind"`
	Role           RoomRole   `json:"role"`
	Created        time.Time  `json:"created"`
}

// Signal is an automation event raised once per breach.
type Signal struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ConversationID string     `json:"conversation_id"`
	RoomID         string     `json:"room_id"`
	OrganizationID string     `json:"organization_id"`
	Kind           BreachKind `json:"kind"`
	RaisedAt       time.Time  `json:"raised_at"`
}

// SignalName is the automation signal raised for a breach kind.
func SignalName(kind BreachKind) string {
	return "system:conversation:" + string(kind)
}
