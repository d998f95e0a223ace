// Package reconcile finds conversations that exist in chat history but were
// never tracked locally.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/jobs"
	"conversation-sla-engine/pkg/metrics"
	"conversation-sla-engine/pkg/models"
)

// HistoryClient queries a room's remote message history newer than oldest.
type HistoryClient interface {
	History(ctx context.Context, org *models.Organization, room *models.Room, oldest string) ([]models.ChatMessage, error)
}

// Store is what the reconciler reads and the watermark it maintains.
type Store interface {
	ListRooms(ctx context.Context, organizationID string) ([]*models.Room, error)
	ConversationExists(ctx context.Context, roomID, firstMessageID string) (bool, error)
	GetLastVerifiedMessageID(ctx context.Context, roomID string) (string, error)
	SetLastVerifiedMessageID(ctx context.Context, roomID, value, actor string) (bool, error)
}

// RoomReport lists the missing conversations found in one room.
type RoomReport struct {
	RoomID         string        `json:"room_id"`
	RoomName       string        `json:"room_name"`
	PlatformRoomID string        `json:"platform_room_id"`
	Missing        []string      `json:"missing"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Result describes one organization's reconciliation.
type Result struct {
	OrganizationID string        `json:"organization_id"`
	RoomsExamined  int           `json:"rooms_examined"`
	RoomsTotal     int           `json:"rooms_total"`
	Failures       int           `json:"failures"`
	Rooms          []RoomReport  `json:"rooms,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// MissingCount totals the missing conversations across rooms.
func (r Result) MissingCount() int {
	n := 0
	for _, room := range r.Rooms {
		n += len(room.Missing)
	}
	return n
}

type Reconciler struct {
	store   Store
	history HistoryClient
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(store Store, history HistoryClient, logger *logrus.Logger, metrics *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		history: history,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Reconcile scans each tracked room of org for top-level messages from
// supportees that have no local conversation. A failing room is logged and
// skipped. Cancellation stops the scan before the next room and is returned.
func (r *Reconciler) Reconcile(ctx context.Context, org *models.Organization) (Result, error) {
	start := time.Now()
	result := Result{OrganizationID: org.ID}

	allRooms, err := r.store.ListRooms(ctx, org.ID)
	if err != nil {
		return result, fmt.Errorf("failed to list rooms for %s: %w", org.ID, err)
	}
	var rooms []*models.Room
	for _, room := range allRooms {
		if room.IsTracked() {
			rooms = append(rooms, room)
		}
	}
	result.RoomsTotal = len(rooms)

	for _, room := range rooms {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			r.logCancelled(org, result)
			return result, err
		}

		report, err := r.reconcileRoom(ctx, org, room)
		if err != nil {
			if jobs.IsCancellation(ctx, err) {
				result.Elapsed = time.Since(start)
				r.logCancelled(org, result)
				return result, err
			}
			result.RoomsExamined++
			result.Failures++
			r.metrics.RoomsScanned.WithLabelValues("error").Inc()
			r.metrics.UnitFailures.WithLabelValues("room").Inc()
			r.logger.WithError(err).WithFields(logrus.Fields{
				"organization_id":   org.ID,
				"organization_name": org.Name,
				"platform_id":       org.PlatformID,
				"room_id":           room.ID,
				"platform_room_id":  room.PlatformRoomID,
			}).Error("Failed to check room for missing conversations")
			continue
		}

		result.RoomsExamined++
		r.metrics.RoomsScanned.WithLabelValues("ok").Inc()
		if len(report.Missing) > 0 {
			result.Rooms = append(result.Rooms, report)
		}
	}

	result.Elapsed = time.Since(start)
	if missing := result.MissingCount(); missing > 0 {
		r.metrics.MissingConversationsSeen.Add(float64(missing))
		r.logger.WithFields(logrus.Fields{
			"organization_id": org.ID,
			"platform_id":     org.PlatformID,
			"missing":         missing,
		}).Warn(FormatMissingReport(org, result))
	}

	return result, nil
}

func (r *Reconciler) reconcileRoom(ctx context.Context, org *models.Organization, room *models.Room) (RoomReport, error) {
	start := time.Now()
	report := RoomReport{RoomID: room.ID, RoomName: room.Name, PlatformRoomID: room.PlatformRoomID}

	watermark, err := r.store.GetLastVerifiedMessageID(ctx, room.ID)
	if err != nil {
		return report, err
	}
	// A first run only establishes a forward watermark and never backfills.
	firstRun := watermark == ""
	oldest := watermark
	if firstRun {
		oldest = models.MessageIDFromTime(r.now())
	}

	messages, err := r.history.History(ctx, org, room, oldest)
	if err != nil {
		return report, err
	}

	newest := ""
	for _, msg := range messages {
		if newest == "" || models.CompareMessageIDs(msg.ID, newest) > 0 {
			newest = msg.ID
		}
		if !isSupporteeThreadStart(org, msg) {
			continue
		}
		exists, err := r.store.ConversationExists(ctx, room.ID, msg.ID)
		if err != nil {
			return report, err
		}
		if !exists {
			report.Missing = append(report.Missing, msg.ID)
		}
	}

	switch {
	case newest != "":
		_, err = r.store.SetLastVerifiedMessageID(ctx, room.ID, newest, constants.SystemActor)
	case firstRun:
		_, err = r.store.SetLastVerifiedMessageID(ctx, room.ID, oldest, constants.SystemActor)
	}
	if err != nil {
		return report, fmt.Errorf("failed to advance watermark: %w", err)
	}

	report.Elapsed = time.Since(start)
	r.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"room_id":         room.ID,
		"oldest":          oldest,
		"messages":        len(messages),
		"missing":         len(report.Missing),
		"elapsed":         report.Elapsed.String(),
	}).Debug("Checked room for missing conversations")

	return report, nil
}

// isSupporteeThreadStart reports whether msg starts a thread and was written
// by someone outside the organization or by one of its guests.
func isSupporteeThreadStart(org *models.Organization, msg models.ChatMessage) bool {
	if !msg.IsTopLevel() {
		return false
	}
	return msg.AuthorOrganizationID != org.PlatformID || msg.AuthorIsGuest
}

func (r *Reconciler) logCancelled(org *models.Organization, result Result) {
	r.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"rooms_examined":  result.RoomsExamined,
		"rooms_total":     result.RoomsTotal,
		"missing":         result.MissingCount(),
	}).Warnf("Missing conversation check for %s (%s) cancelled after %d of %d rooms in %s",
		org.Name, org.PlatformID, result.RoomsExamined, result.RoomsTotal, roundElapsed(result.Elapsed))
}

// FormatMissingReport renders the multi-line drift report for an organization.
func FormatMissingReport(org *models.Organization, result Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d missing conversations for %s (%s) in %s",
		result.MissingCount(), org.Name, org.PlatformID, roundElapsed(result.Elapsed))
	for _, room := range result.Rooms {
		fmt.Fprintf(&b, "\n    #%s (%s): %s", room.RoomName, room.PlatformRoomID, strings.Join(room.Missing, ", "))
	}
	return b.String()
}

func roundElapsed(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
