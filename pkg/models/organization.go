package models

import (
	"strings"
	"time"
)

type Organization struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PlatformID string `json:"platform_id"`
	Enabled    bool   `json:"enabled"`
	// APIToken is the chat-platform credential used to read room history.
	APIToken       string     `json:"api_token,omitempty"`
	Plan           PlanType   `json:"plan"`
	Trial          *TrialPlan `json:"trial,omitempty"`
	PurchasedSeats int        `json:"purchased_seats"`

	DefaultTimeToRespond        Threshold[Duration] `json:"default_time_to_respond"`
	DefaultFirstResponders      []string            `json:"default_first_responders,omitempty"`
	DefaultEscalationResponders []string            `json:"default_escalation_responders,omitempty"`

	NotifyOnlyOnNewConversations bool `json:"notify_only_on_new_conversations"`
}

// EffectivePlan returns the trial plan while the trial is running, the
// purchased plan otherwise.
func (o *Organization) EffectivePlan(now time.Time) PlanType {
	if o.Trial.IsActive(now) {
		return o.Trial.Plan
	}
	return o.Plan
}

func (o *Organization) HasPlanFeature(feature PlanFeature, now time.Time) bool {
	return o.EffectivePlan(now).HasFeature(feature)
}

// HasValidAPIToken reports whether the organization carries a bot credential.
func (o *Organization) HasValidAPIToken() bool {
	token := strings.TrimSpace(o.APIToken)
	return token != "" && (strings.HasPrefix(token, "xoxb-") || strings.HasPrefix(token, "xoxp-"))
}

// DefaultResponders returns the organization-level members holding role.
func (o *Organization) DefaultResponders(role RoomRole) []string {
	switch role {
	case RoleFirstResponder:
		return o.DefaultFirstResponders
	case RoleEscalationResponder:
		return o.DefaultEscalationResponders
	}
	return nil
}

type Member struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	PlatformUserID string `json:"platform_user_id"`
	DisplayName    string `json:"display_name"`
	IsGuest        bool   `json:"is_guest"`
}
