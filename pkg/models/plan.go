package models

import "time"

type PlanType string

const (
	PlanFree             PlanType = "Free"
	PlanTeam             PlanType = "Team"
	PlanBusiness         PlanType = "Business"
	PlanUnlimited        PlanType = "Unlimited"
	PlanFoundingCustomer PlanType = "FoundingCustomer"
	PlanBeta             PlanType = "Beta"
)

type PlanFeature string

const (
	FeatureConversationTracking PlanFeature = "ConversationTracking"
)

var planFeatures = map[PlanType][]PlanFeature{
	PlanBusiness:         {FeatureConversationTracking},
	PlanUnlimited:        {FeatureConversationTracking},
	PlanFoundingCustomer: {FeatureConversationTracking},
	PlanBeta:             {FeatureConversationTracking},
}

// HasFeature reports whether the plan includes the feature.
func (p PlanType) HasFeature(feature PlanFeature) bool {
	for _, f := range planFeatures[p] {
		if f == feature {
			return true
		}
	}
	return false
}

// IsPaid reports whether the plan is a purchased plan.
func (p PlanType) IsPaid() bool {
	return p != "" && p != PlanFree
}

// TrialPlan is a time-limited upgrade to Plan.
type TrialPlan struct {
	Plan   PlanType  `json:"plan"`
	Expiry time.Time `json:"expiry"`
}

// IsActive reports whether the trial has not yet expired at now.
func (t *TrialPlan) IsActive(now time.Time) bool {
	return t != nil && now.Before(t.Expiry)
}
