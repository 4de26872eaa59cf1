package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autoloc/pkg/config"
	"autoloc/pkg/database"
	"autoloc/pkg/logger"
	"autoloc/pkg/notification"
	"autoloc/pkg/promotion"
	"autoloc/pkg/rental"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const serviceName = "cronjob"

func main() {
	runOnce := flag.String("run-once", "", "run one job and exit ("+jobOverdueReminders+", "+jobRefreshPromotions+", "+jobAll+")")
	flag.Parse()

	cfg, err := config.Load(serviceName, "")
	if err != nil {
		panic(err)
	}
	log := logger.Must(logger.New(cfg.Log.Level)).With(zap.String("service", serviceName))
	defer func() { _ = log.Sync() }()

	marketplace, err := database.Open(cfg.Database, logger.Named(log, "database"))
	if err != nil {
		log.Fatal("failed to connect to marketplace database", zap.Error(err))
	}
	promotionsDB, err := database.Open(cfg.Database.Promotions(), logger.Named(log, "database"))
	if err != nil {
		log.Fatal("failed to connect to promotion database", zap.Error(err))
	}

	loc, err := cfg.Rental.Location()
	if err != nil {
		log.Fatal("invalid rental time zone", zap.Error(err))
	}

	runner := &jobRunner{
		rentals:       rental.NewService(marketplace, rental.WithLocation(loc), rental.WithLogger(logger.Named(log, "rental"))),
		notifications: notification.NewStore(marketplace, logger.Named(log, "notification")),
		promotions:    promotion.NewService(promotionsDB, promotion.WithLocation(loc), promotion.WithLogger(logger.Named(log, "promotion"))),
		log:           logger.Named(log, "jobs"),
	}

	if *runOnce != "" {
		if err := runner.runOnce(*runOnce); err != nil {
			log.Error("run once failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	scheduler, err := newScheduler(runner, cfg.Cron, loc)
	if err != nil {
		log.Fatal("invalid cron schedule", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.Start()
	log.Info("scheduler running",
		zap.String("overdue_schedule", cfg.Cron.OverdueSchedule),
		zap.String("promotion_schedule", cfg.Cron.PromotionSchedule),
	)
	<-ctx.Done()

	log.Info("stopping scheduler")
	<-scheduler.Stop().Done()
}

func newScheduler(r *jobRunner, cfg config.CronConfig, loc *time.Location) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(loc))
	schedules := []struct {
		spec string
		job  string
	}{
		{cfg.OverdueSchedule, jobOverdueReminders},
		{cfg.PromotionSchedule, jobRefreshPromotions},
	}
	for _, s := range schedules {
		name := s.job
		if _, err := c.AddFunc(s.spec, func() { _ = r.run(name) }); err != nil {
			return nil, errors.Wrapf(err, "schedule %s", name)
		}
	}
	return c, nil
}
