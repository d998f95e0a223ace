package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/jobs"
	"conversation-sla-engine/pkg/metrics"
	"conversation-sla-engine/pkg/models"
)

// OrganizationReconciler reconciles a single organization.
type OrganizationReconciler interface {
	Reconcile(ctx context.Context, org *models.Organization) (Result, error)
}

// OrganizationStore lists the organizations and rooms eligibility is decided on.
type OrganizationStore interface {
	ListOrganizations(ctx context.Context) ([]*models.Organization, error)
	ListRooms(ctx context.Context, organizationID string) ([]*models.Room, error)
}

// Scheduler runs the reconciler across every eligible organization, one at a
// time, paying customers first and larger ones before smaller.
type Scheduler struct {
	store      OrganizationStore
	reconciler OrganizationReconciler
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewScheduler(store OrganizationStore, reconciler OrganizationReconciler, logger *logrus.Logger, metrics *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:      store,
		reconciler: reconciler,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (s *Scheduler) Name() string {
	return constants.JobReconcile
}

// EligibleOrganizations returns the organizations to reconcile: paying
// customers before trials, then by purchased seats descending, then by id. An
// organization whose rooms cannot be read is logged and left out.
func (s *Scheduler) EligibleOrganizations(ctx context.Context) ([]*models.Organization, error) {
	orgs, _, err := s.eligible(ctx)
	return orgs, err
}

// eligible also reports how many organizations were left out because their
// rooms could not be read.
func (s *Scheduler) eligible(ctx context.Context) ([]*models.Organization, int, error) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list organizations: %w", err)
	}

	now := s.now()
	var eligible []*models.Organization
	failures := 0
	for _, org := range orgs {
		if !org.Enabled || !org.HasValidAPIToken() || !qualifies(org, now) {
			continue
		}
		rooms, err := s.store.ListRooms(ctx, org.ID)
		if err != nil {
			if jobs.IsCancellation(ctx, err) {
				return nil, failures, err
			}
			failures++
			s.metrics.OrganizationsReconciled.WithLabelValues("error").Inc()
			s.metrics.UnitFailures.WithLabelValues("organization").Inc()
			s.logger.WithError(err).WithFields(logrus.Fields{
				"organization_id":   org.ID,
				"organization_name": org.Name,
				"platform_id":       org.PlatformID,
			}).Error("Failed to read rooms for organization, skipping")
			continue
		}
		if hasTrackedRoom(rooms) {
			eligible = append(eligible, org)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if pa, pb := paysForTracking(a), paysForTracking(b); pa != pb {
			return pa
		}
		if a.PurchasedSeats != b.PurchasedSeats {
			return a.PurchasedSeats > b.PurchasedSeats
		}
		return a.ID < b.ID
	})
	return eligible, failures, nil
}

// Run reconciles every eligible organization. A failing organization is
// logged and skipped. On cancellation the progress so far is logged and the
// cancellation is returned.
func (s *Scheduler) Run(ctx context.Context) (jobs.Summary, error) {
	start := time.Now()
	summary := jobs.Summary{Job: s.Name(), StartedAt: start}
	defer func() {
		s.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	orgs, skipped, err := s.eligible(ctx)
	if err != nil {
		summary.Elapsed = time.Since(start)
		summary.Cancelled = jobs.IsCancellation(ctx, err)
		return summary, err
	}
	summary.Total = len(orgs)
	summary.Failures = skipped

	var results []Result
	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			return s.cancelled(summary, start, results, err)
		}

		result, err := s.reconciler.Reconcile(ctx, org)
		if err != nil {
			if jobs.IsCancellation(ctx, err) {
				return s.cancelled(summary, start, results, err)
			}
			summary.Failures++
			s.metrics.OrganizationsReconciled.WithLabelValues("error").Inc()
			s.metrics.UnitFailures.WithLabelValues("organization").Inc()
			s.logger.WithError(err).WithFields(logrus.Fields{
				"organization_id":   org.ID,
				"organization_name": org.Name,
				"platform_id":       org.PlatformID,
			}).Error("Failed to reconcile organization, continuing")
		} else {
			s.metrics.OrganizationsReconciled.WithLabelValues("ok").Inc()
			results = append(results, result)
		}
		summary.Completed++
	}

	summary.Elapsed = time.Since(start)
	summary.Detail = results
	s.logger.WithFields(logrus.Fields{
		"organizations": summary.Total,
		"failures":      summary.Failures,
	}).Infof("Reconciled %d organizations in %s", summary.Total, roundElapsed(summary.Elapsed))

	return summary, nil
}

func (s *Scheduler) cancelled(summary jobs.Summary, start time.Time, results []Result, err error) (jobs.Summary, error) {
	summary.Elapsed = time.Since(start)
	summary.Cancelled = true
	summary.Detail = results
	s.logger.WithFields(logrus.Fields{
		"completed":     summary.Completed,
		"organizations": summary.Total,
	}).Warnf("Reconciliation cancelled after %d of %d organizations in %s",
		summary.Completed, summary.Total, roundElapsed(summary.Elapsed))
	return summary, err
}

func qualifies(org *models.Organization, now time.Time) bool {
	if paysForTracking(org) {
		return true
	}
	return org.Trial.IsActive(now) && org.Trial.Plan.HasFeature(models.FeatureConversationTracking)
}

func paysForTracking(org *models.Organization) bool {
	return org.Plan.HasFeature(models.FeatureConversationTracking)
}

func hasTrackedRoom(rooms []*models.Room) bool {
	for _, room := range rooms {
		if room.IsTracked() {
			return true
		}
	}
	return false
}
