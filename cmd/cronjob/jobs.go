package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"autoloc/pkg/metrics"
	"autoloc/pkg/models"
	"autoloc/pkg/notification"
	"autoloc/pkg/promotion"
	"autoloc/pkg/rental"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	jobOverdueReminders  = "overdue-reminders"
	jobRefreshPromotions = "refresh-promotions"
	jobAll               = "all"

	jobTimeout = 5 * time.Minute
)

type jobRunner struct {
	rentals       *rental.Service
	notifications *notification.Store
	promotions    *promotion.Service
	log           *zap.Logger
}

func (r *jobRunner) jobs() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		jobOverdueReminders: func(ctx context.Context) error {
			_, err := r.remindOverdue(ctx)
			return err
		},
		jobRefreshPromotions: func(ctx context.Context) error {
			_, err := r.refreshPromotions(ctx)
			return err
		},
	}
}

// remindOverdue sends each client whose rental is past its end date one
// late notice per day and returns how many were sent.
func (r *jobRunner) remindOverdue(ctx context.Context) (int, error) {
	overdue, err := r.rentals.Overdue(ctx)
	if err != nil {
		return 0, err
	}

	today := r.rentals.Today()
	startOfDay := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, r.rentals.Location())

	sent := 0
	for i := range overdue {
		rt := &overdue[i]
		already, err := r.notifications.SentSince(ctx, rt.ClientID, models.NotificationRentalLate, rt.ID, startOfDay)
		if err != nil {
			return sent, err
		}
		if already {
			continue
		}
		days := models.DaysBetween(rt.EndDate, today)
		r.notifications.Notify(ctx, notification.RentalLate(rt, days))
		sent++
		r.log.Info("overdue rental reminded",
			zap.Uint("rental_id", rt.ID),
			zap.Uint("client_id", rt.ClientID),
			zap.Int("days_late", days),
		)
	}
	r.log.Info("overdue reminders done", zap.Int("overdue", len(overdue)), zap.Int("sent", sent))
	return sent, nil
}

func (r *jobRunner) refreshPromotions(ctx context.Context) (int64, error) {
	changed, err := r.promotions.RefreshAll(ctx)
	if err != nil {
		return 0, err
	}
	r.log.Info("promotion statuses refreshed", zap.Int64("changed", changed))
	return changed, nil
}

// run executes one named job under a timeout and records its outcome.
func (r *jobRunner) run(name string) error {
	job, ok := r.jobs()[name]
	if !ok {
		return errors.Errorf("unknown job %q, available: %s", name, r.names())
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		metrics.CronJobRuns.WithLabelValues(name, "error").Inc()
		r.log.Error("job failed", zap.String("job", name), zap.Error(err))
		return errors.Wrapf(err, "job %s", name)
	}
	metrics.CronJobRuns.WithLabelValues(name, "success").Inc()
	r.log.Info("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return nil
}

// runOnce runs a job by name, or every job for "all".
func (r *jobRunner) runOnce(name string) error {
	if name != jobAll {
		return r.run(name)
	}
	var failed []string
	for _, n := range r.sortedNames() {
		if err := r.run(n); err != nil {
			failed = append(failed, n)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("jobs failed: %v", failed)
	}
	return nil
}

func (r *jobRunner) sortedNames() []string {
	var names []string
	for n := range r.jobs() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *jobRunner) names() string {
	return fmt.Sprintf("%v, %s", r.sortedNames(), jobAll)
}
