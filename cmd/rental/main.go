package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"autoloc/pkg/config"
	"autoloc/pkg/contract"
	"autoloc/pkg/database"
	"autoloc/pkg/httpx"
	"autoloc/pkg/logger"
	"autoloc/pkg/notification"
	"autoloc/pkg/rental"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "rental"

var (
	db            *gorm.DB
	rentals       *rental.Service
	contracts     *contract.Service
	notifications *notification.Store
	log           = zap.NewNop()
)

func main() {
	cfg, err := config.Load(serviceName, "")
	if err != nil {
		panic(err)
	}
	log = logger.Must(logger.New(cfg.Log.Level)).With(zap.String("service", serviceName))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err = database.Open(cfg.Database, logger.Named(log, "database"))
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db, serviceName); err != nil {
		log.Fatal("database migration failed", zap.Error(err))
	}

	loc, err := cfg.Rental.Location()
	if err != nil {
		log.Fatal("invalid rental time zone", zap.Error(err))
	}
	penaltyRate, err := cfg.Rental.DefaultPenaltyRate()
	if err != nil {
		log.Fatal("invalid penalty rate", zap.Error(err))
	}

	notifications = notification.NewStore(db, logger.Named(log, "notification"))
	rentals = rental.NewService(db,
		rental.WithNotifier(notifications),
		rental.WithLogger(logger.Named(log, "rental")),
		rental.WithLocation(loc),
		rental.WithPenaltyRate(penaltyRate),
	)

	storage, err := contract.NewStorage(ctx, cfg.Contract)
	if err != nil {
		log.Fatal("failed to init contract storage", zap.Error(err))
	}
	contracts = contract.NewService(db, rentals, storage, contract.WithLogger(logger.Named(log, "contract")))

	server := setupRouter(cfg.Server.Port)
	if err := httpx.Serve(ctx, server, cfg.Server.Port, log); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
}

func setupRouter(port string) *gin.Engine {
	server := httpx.NewEngine(serviceName, log)
	server.GET("/manage/health", httpx.Health(db, "localhost:"+port))

	api := server.Group("/api/v1", httpx.RequireActor())
	api.POST("/rentals", createRental)
	api.GET("/rentals", listRentals)
	api.GET("/rentals/statistics", getStatistics)
	api.GET("/rentals/:id", getRental)
	api.POST("/rentals/:id/confirm", confirmRental)
	api.POST("/rentals/:id/refuse", refuseRental)
	api.POST("/rentals/:id/cancel", cancelRental)
	api.POST("/rentals/:id/departure", recordDeparture)
	api.POST("/rentals/:id/return", recordReturn)
	api.PATCH("/rentals/:id/notes", updateDealerNotes)
	api.DELETE("/rentals/:id", deleteRental)
	api.POST("/rentals/:id/contract", generateContract)
	api.GET("/rentals/:id/contract", downloadContract)

	api.GET("/notifications", listNotifications)
	api.GET("/notifications/unread/count", unreadNotificationsCount)
	api.POST("/notifications/read-all", markAllNotificationsRead)
	api.POST("/notifications/:id/read", markNotificationRead)
	return server
}
