package database

import (
	"context"
	"time"

	"autoloc/pkg/config"
	"autoloc/pkg/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Models returns the tables a service migrates. Rental and fleet share the
// marketplace database, so both carry the rental-side tables.
func Models(service string) []interface{} {
	switch service {
	case "rental", "fleet", "cronjob":
		return []interface{}{
			&models.Dealership{},
			&models.Vehicle{},
			&models.Rental{},
			&models.Notification{},
			&models.Contract{},
		}
	case "promotion":
		return []interface{}{&models.Promotion{}, &models.PromotionUsage{}}
	}
	return nil
}

// Open connects to postgres, retrying while the database comes up.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	log.Info("connecting to database",
		zap.String("host", cfg.Host),
		zap.String("port", cfg.Port),
		zap.String("name", cfg.Name),
	)

	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < attempts; i++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err == nil {
			break
		}
		log.Warn("database connection attempt failed",
			zap.Int("attempt", i+1),
			zap.Int("max", attempts),
			zap.Error(err),
		)
		if i < attempts-1 {
			time.Sleep(cfg.RetryDelay)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := Configure(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Configure sizes the connection pool.
func Configure(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database instance")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return nil
}

// Migrate creates or updates the tables of the given service.
func Migrate(db *gorm.DB, service string) error {
	tables := Models(service)
	if len(tables) == 0 {
		return errors.Errorf("no tables registered for service %q", service)
	}
	if err := db.AutoMigrate(tables...); err != nil {
		return errors.Wrap(err, "database migration failed")
	}
	return nil
}

// Ping checks the database answers within ctx.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "database connection failed")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	return nil
}
