package sla

import "conversation-sla-engine/pkg/models"

// ResponderRequest describes whom to look for.
type ResponderRequest struct {
	Organization *models.Organization
	Room         *models.Room
	Conversation *models.Conversation
	Role         models.RoomRole
	// AnyAssignee lets assignees answer for the role even when none of them
	// holds it. Used for first responders at warning time.
	AnyAssignee bool
}

// A responderSource returns its members and whether it had an answer.
type responderSource func(req ResponderRequest) ([]string, bool)

// responderCascade is tried in order; the first source with an answer wins.
var responderCascade = []responderSource{
	assigneeResponders,
	roomResponders,
	organizationResponders,
}

// ResolveResponders returns the ordered, de-duplicated member ids to notify
// for req. An empty result means nobody is configured at any level.
func ResolveResponders(req ResponderRequest) []string {
	for _, source := range responderCascade {
		if ids, ok := source(req); ok {
			return ids
		}
	}
	return nil
}

func assigneeResponders(req ResponderRequest) ([]string, bool) {
	if req.Conversation == nil || len(req.Conversation.Assignees) == 0 {
		return nil, false
	}
	if req.AnyAssignee {
		return dedupe(req.Conversation.Assignees), true
	}
	for _, id := range req.Conversation.Assignees {
		if holdsRole(req, id) {
			return dedupe(req.Conversation.Assignees), true
		}
	}
	return nil, false
}

func roomResponders(req ResponderRequest) ([]string, bool) {
	ids := dedupe(req.Room.Responders(req.Role))
	return ids, len(ids) > 0
}

func organizationResponders(req ResponderRequest) ([]string, bool) {
	ids := dedupe(req.Organization.DefaultResponders(req.Role))
	return ids, len(ids) > 0
}

// holdsRole reports whether a member has the role in the room or as an
// organization default.
func holdsRole(req ResponderRequest, memberID string) bool {
	return contains(req.Room.Responders(req.Role), memberID) ||
		contains(req.Organization.DefaultResponders(req.Role), memberID)
}

// Recipient is a member to notify and the role they are notified in.
type Recipient struct {
	MemberID string
	Role     models.RoomRole
}

// WarningRecipients returns the first responders for a warning breach.
// Any assignee counts as a first responder.
func WarningRecipients(org *models.Organization, room *models.Room, conv *models.Conversation) []Recipient {
	ids := ResolveResponders(ResponderRequest{
		Organization: org,
		Room:         room,
		Conversation: conv,
		Role:         models.RoleFirstResponder,
		AnyAssignee:  true,
	})
	return asRecipients(ids, models.RoleFirstResponder, nil)
}

// OverdueRecipients returns the union of escalation and first responders for
// an overdue breach. A member resolved in both roles is notified once, as an
// escalation responder.
func OverdueRecipients(org *models.Organization, room *models.Room, conv *models.Conversation) []Recipient {
	escalation := ResolveResponders(ResponderRequest{
		Organization: org,
		Room:         room,
		Conversation: conv,
		Role:         models.RoleEscalationResponder,
	})
	first := ResolveResponders(ResponderRequest{
		Organization: org,
		Room:         room,
		Conversation: conv,
		Role:         models.RoleFirstResponder,
	})

	seen := make(map[string]bool, len(escalation)+len(first))
	recipients := asRecipients(escalation, models.RoleEscalationResponder, seen)
	return append(recipients, asRecipients(first, models.RoleFirstResponder, seen)...)
}

func asRecipients(ids []string, role models.RoomRole, seen map[string]bool) []Recipient {
	var recipients []Recipient
	for _, id := range ids {
		if seen != nil {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		recipients = append(recipients, Recipient{MemberID: id, Role: role})
	}
	return recipients
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
