// Package sla decides when tracked conversations have waited too long for a
// staff response and who must hear about it.
package sla

import "conversation-sla-engine/pkg/models"

// ResolveThreshold returns the effective response-time threshold for a room.
// Each half cascades independently: the room override wins, then the
// organization default, otherwise the half stays unset and never fires.
func ResolveThreshold(room *models.Room, org *models.Organization) models.Threshold[models.Duration] {
	return models.Threshold[models.Duration]{
		Warning:  firstSet(room.TimeToRespond.Warning, org.DefaultTimeToRespond.Warning),
		Deadline: firstSet(room.TimeToRespond.Deadline, org.DefaultTimeToRespond.Deadline),
	}
}

func firstSet[T any](levels ...*T) *T {
	for _, v := range levels {
		if v != nil {
			return v
		}
	}
	return nil
}
