package models

type RoomRole string

const (
	RoleFirstResponder      RoomRole = "FirstResponder"
	RoleEscalationResponder RoomRole = "EscalationResponder"
)

type RoomAssignment struct {
	MemberID string   `json:"member_id"`
	Role     RoomRole `json:"role"`
}

type Room struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	PlatformRoomID string `json:"platform_room_id"`
	Name           string `json:"name"`

	ManagedConversationsEnabled bool `json:"managed_conversations_enabled"`
	BotIsMember                 bool `json:"bot_is_member"`
	Deleted                     bool `json:"deleted"`
	Archived                    bool `json:"archived"`

	TimeToRespond Threshold[Duration] `json:"time_to_respond"`
	Assignments   []RoomAssignment    `json:"assignments,omitempty"`
}

// IsTracked reports whether conversations in the room are reconciled: the room
// is managed, the bot can read it, and it is still live.
func (r *Room) IsTracked() bool {
	return r.ManagedConversationsEnabled && r.BotIsMember && !r.Deleted && !r.Archived
}

// Responders returns the members assigned role in this room, in assignment order.
func (r *Room) Responders(role RoomRole) []string {
	var ids []string
	for _, a := range r.Assignments {
		if a.Role == role {
			ids = append(ids, a.MemberID)
		}
	}
	return ids
}
