package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/jobs"
	"conversation-sla-engine/pkg/metrics"
	"conversation-sla-engine/pkg/models"
	"conversation-sla-engine/pkg/store"
)

// Store is the persistence the scanner reads from and stamps markers in.
type Store interface {
	ListOrganizations(ctx context.Context) ([]*models.Organization, error)
	ListRooms(ctx context.Context, organizationID string) ([]*models.Room, error)
	ListWaitingConversations(ctx context.Context, roomID string) ([]*models.Conversation, error)
	ClaimBreach(ctx context.Context, conversationID string, kind models.BreachKind, at time.Time) (bool, error)
}

// NotificationSink receives one row per member to notify.
type NotificationSink interface {
	Enqueue(ctx context.Context, n models.PendingMemberNotification) error
}

// SignalBus receives one automation signal per breach.
type SignalBus interface {
	Raise(ctx context.Context, signal models.Signal) error
}

// ScanResult counts what one scan looked at and produced.
type ScanResult struct {
	Organizations int `json:"organizations"`
	Rooms         int `json:"rooms"`
	Conversations int `json:"conversations"`
	Warnings      int `json:"warnings"`
	Overdue       int `json:"overdue"`
	Notifications int `json:"notifications"`
	Failures      int `json:"failures"`
}

// Scanner evaluates waiting conversations against their response-time
// thresholds and notifies responders once per breach.
type Scanner struct {
	store   Store
	sink    NotificationSink
	signals SignalBus
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewScanner(store Store, sink NotificationSink, signals SignalBus, logger *logrus.Logger, metrics *metrics.Metrics) *Scanner {
	return &Scanner{
		store:   store,
		sink:    sink,
		signals: signals,
		logger:  logger,
		metrics: metrics,
	}
}

// Name identifies the job.
func (sc *Scanner) Name() string {
	return constants.JobSLAScan
}

// Run scans at the current time and reports a job summary.
func (sc *Scanner) Run(ctx context.Context) (jobs.Summary, error) {
	started := time.Now()
	result, err := sc.Scan(ctx, started)
	return jobs.Summary{
		Job:       sc.Name(),
		StartedAt: started,
		Elapsed:   time.Since(started),
		Completed: result.Conversations,
		Failures:  result.Failures,
		Cancelled: jobs.IsCancellation(ctx, err),
		Detail:    result,
	}, err
}

// Scan evaluates every eligible conversation as of now. A failure in one
// organization, room or conversation is logged and skipped. Cancellation stops
// the scan at the next unit boundary and is returned.
func (sc *Scanner) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	start := time.Now()
	defer func() {
		sc.metrics.SLAScanDuration.Observe(time.Since(start).Seconds())
	}()

	var result ScanResult

	orgs, err := sc.store.ListOrganizations(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list organizations: %w", err)
	}

	for _, org := range orgs {
		if !org.Enabled || !org.HasPlanFeature(models.FeatureConversationTracking, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, sc.cancelled(result, start, err)
		}
		result.Organizations++

		rooms, err := sc.store.ListRooms(ctx, org.ID)
		if err != nil {
			if jobs.IsCancellation(ctx, err) {
				return result, sc.cancelled(result, start, err)
			}
			sc.unitFailed("organization", err, logrus.Fields{"organization_id": org.ID})
			result.Failures++
			continue
		}

		for _, room := range rooms {
			if !room.ManagedConversationsEnabled {
				continue
			}
			if err := ctx.Err(); err != nil {
				return result, sc.cancelled(result, start, err)
			}
			if err := sc.scanRoom(ctx, org, room, now, &result); err != nil {
				return result, sc.cancelled(result, start, err)
			}
		}
	}

	sc.logger.WithFields(logrus.Fields{
		"organizations": result.Organizations,
		"rooms":         result.Rooms,
		"conversations": result.Conversations,
		"warnings":      result.Warnings,
		"overdue":       result.Overdue,
		"notifications": result.Notifications,
		"failures":      result.Failures,
		"elapsed":       time.Since(start).String(),
	}).Info("SLA scan complete")

	return result, nil
}

// scanRoom only returns an error on cancellation.
func (sc *Scanner) scanRoom(ctx context.Context, org *models.Organization, room *models.Room, now time.Time, result *ScanResult) error {
	result.Rooms++
	threshold := ResolveThreshold(room, org)
	if threshold.IsEmpty() {
		return nil
	}

	convs, err := sc.store.ListWaitingConversations(ctx, room.ID)
	var unreadable *store.UnreadableConversationsError
	switch {
	case err == nil:
	case errors.As(err, &unreadable):
		// The readable conversations are still evaluated below.
		for _, skip := range unreadable.Skipped {
			sc.unitFailed("conversation", skip.Err, logrus.Fields{
				"organization_id": org.ID,
				"room_id":         room.ID,
				"conversation_id": skip.ID,
			})
			result.Failures++
		}
	case jobs.IsCancellation(ctx, err):
		return err
	default:
		sc.unitFailed("room", err, logrus.Fields{"organization_id": org.ID, "room_id": room.ID})
		result.Failures++
		return nil
	}

	for _, conv := range convs {
		if org.NotifyOnlyOnNewConversations && conv.State != models.StateNew {
			continue
		}
		result.Conversations++
		sc.metrics.ConversationsEvaluated.Inc()

		err := sc.evaluate(ctx, org, room, conv, threshold, now, result)
		if err == nil {
			continue
		}
		if jobs.IsCancellation(ctx, err) {
			return err
		}
		sc.unitFailed("conversation", err, logrus.Fields{
			"organization_id": org.ID,
			"room_id":         room.ID,
			"conversation_id": conv.ID,
		})
		result.Failures++
	}
	return nil
}

// evaluate classifies one conversation and handles any new breach. Panics are
// turned into errors so one bad record cannot end the scan.
func (sc *Scanner) evaluate(ctx context.Context, org *models.Organization, room *models.Room, conv *models.Conversation, threshold models.Threshold[models.Duration], now time.Time, result *ScanResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating conversation: %v", r)
		}
	}()

	elapsed := now.Sub(conv.WaitingSince())
	overdueSent := conv.TimeToRespondOverdueNotificationSent != nil
	warningSent := conv.TimeToRespondWarningNotificationSent != nil

	overdue := threshold.Deadline != nil && elapsed >= threshold.Deadline.Std() && !overdueSent
	warning := threshold.Warning != nil && elapsed >= threshold.Warning.Std() && !warningSent && !overdueSent

	switch {
	case overdue:
		if err := sc.breach(ctx, org, room, conv, models.BreachOverdue, elapsed, now, result); err != nil {
			return err
		}
		if warning {
			// The overdue notice supersedes the warning; stamp it so it never fires late.
			if _, err := sc.store.ClaimBreach(ctx, conv.ID, models.BreachWarning, now); err != nil {
				return err
			}
			conv.SetMarker(models.BreachWarning, now)
		}
	case warning:
		return sc.breach(ctx, org, room, conv, models.BreachWarning, elapsed, now, result)
	}
	return nil
}

func (sc *Scanner) breach(ctx context.Context, org *models.Organization, room *models.Room, conv *models.Conversation, kind models.BreachKind, elapsed time.Duration, now time.Time, result *ScanResult) error {
	claimed, err := sc.store.ClaimBreach(ctx, conv.ID, kind, now)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	conv.SetMarker(kind, now)

	var recipients []Recipient
	if kind == models.BreachOverdue {
		recipients = OverdueRecipients(org, room, conv)
		result.Overdue++
	} else {
		recipients = WarningRecipients(org, room, conv)
		result.Warnings++
	}
	sc.metrics.BreachesDetected.WithLabelValues(string(kind)).Inc()

	var errs []error
	for _, r := range recipients {
		err := sc.sink.Enqueue(ctx, models.PendingMemberNotification{
			ConversationID: conv.ID,
			MemberID:       r.MemberID,
			Kind:           kind,
			Role:           r.Role,
			Created:        now,
		})
		if err != nil {
			sc.logger.WithError(err).WithFields(logrus.Fields{
				"conversation_id": conv.ID,
				"member_id":       r.MemberID,
				"breach":          kind,
			}).Error("Failed to enqueue member notification")
			errs = append(errs, err)
			continue
		}
		result.Notifications++
		sc.metrics.NotificationsEnqueued.WithLabelValues(string(kind)).Inc()
	}

	if err := sc.signals.Raise(ctx, models.Signal{
		Name:           models.SignalName(kind),
		ConversationID: conv.ID,
		RoomID:         room.ID,
		OrganizationID: org.ID,
		Kind:           kind,
		RaisedAt:       now,
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to raise %s signal: %w", kind, err))
	}

	sc.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"room_id":         room.ID,
		"conversation_id": conv.ID,
		"breach":          kind,
		"elapsed":         elapsed.String(),
		"recipients":      len(recipients),
	}).Info("Conversation crossed response-time threshold")

	return errors.Join(errs...)
}

func (sc *Scanner) unitFailed(unit string, err error, fields logrus.Fields) {
	sc.metrics.UnitFailures.WithLabelValues(unit).Inc()
	sc.logger.WithError(err).WithFields(fields).Errorf("Failed to evaluate %s, skipping", unit)
}

func (sc *Scanner) cancelled(result ScanResult, start time.Time, err error) error {
	sc.logger.WithFields(logrus.Fields{
		"organizations": result.Organizations,
		"rooms":         result.Rooms,
		"conversations": result.Conversations,
		"elapsed":       time.Since(start).String(),
	}).Warn("SLA scan cancelled")
	return err
}
