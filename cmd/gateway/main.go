package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"autoloc/pkg/cache"
	"autoloc/pkg/config"
	"autoloc/pkg/httpx"
	"autoloc/pkg/logger"
	"autoloc/pkg/queue"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "gateway"

var (
	fleet         *upstream
	rentalsAPI    *upstream
	promotionsAPI *upstream
	vehicles      *cache.Cache
	retries       *queue.Queue
	retryMax      = 5
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

	breakerLog := logger.Named(log, "breaker")
	fleet = newUpstream("fleet", cfg.Upstream.FleetURL, cfg.Upstream.Timeout, cfg.Breaker, breakerLog)
	rentalsAPI = newUpstream("rental", cfg.Upstream.RentalURL, cfg.Upstream.Timeout, cfg.Breaker, breakerLog)
	promotionsAPI = newUpstream("promotion", cfg.Upstream.PromotionURL, cfg.Upstream.Timeout, cfg.Breaker, breakerLog)

	vehicles, err = cache.New(ctx, cfg.Redis, logger.Named(log, "cache"))
	if err != nil {
		log.Warn("vehicle cache disabled", zap.Error(err))
	}
	defer vehicles.Close()

	retries = queue.NewQueue(logger.Named(log, "retry"))
	retryMax = cfg.Retry.MaxRetries
	go retries.Run(ctx, cfg.Retry.Interval, queue.RestySender(promotionsAPI.client))

	server := setupRouter(cfg.Server.Port)
	if err := httpx.Serve(ctx, server, cfg.Server.Port, log); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
}

func setupRouter(port string) *gin.Engine {
	server := httpx.NewEngine(serviceName, log)
	server.GET("/manage/health", healthCheck(port))

	public := server.Group("/api/v1")
	public.GET("/dealerships", proxy(fleet))
	public.GET("/dealerships/:id", proxy(fleet))
	public.GET("/dealerships/:id/vehicles", proxy(fleet))
	public.GET("/vehicles/:id", proxy(fleet))

	api := server.Group("/api/v1", httpx.RequireActor())
	api.POST("/vehicles", proxy(fleet))
	api.PATCH("/vehicles/:id", updateVehicle)

	api.POST("/rentals", createRental)
	api.GET("/rentals", listRentals)
	api.GET("/rentals/statistics", proxy(rentalsAPI))
	api.GET("/rentals/:id", getRental)
	api.POST("/rentals/:id/confirm", rentalAction)
	api.POST("/rentals/:id/refuse", rentalAction)
	api.POST("/rentals/:id/cancel", rentalAction)
	api.POST("/rentals/:id/departure", rentalAction)
	api.POST("/rentals/:id/return", rentalAction)
	api.PATCH("/rentals/:id/notes", proxy(rentalsAPI))
	api.DELETE("/rentals/:id", proxy(rentalsAPI))
	api.POST("/rentals/:id/contract", proxy(rentalsAPI))
	api.GET("/rentals/:id/contract", proxy(rentalsAPI))

	api.GET("/notifications", proxy(rentalsAPI))
	api.GET("/notifications/unread/count", proxy(rentalsAPI))
	api.POST("/notifications/read-all", proxy(rentalsAPI))
	api.POST("/notifications/:id/read", proxy(rentalsAPI))

	api.GET("/promotions", proxy(promotionsAPI))
	api.POST("/promotions", proxy(promotionsAPI))
	api.POST("/promotions/quote", proxy(promotionsAPI))
	api.POST("/promotions/apply", proxy(promotionsAPI))
	api.POST("/promotions/:id/deactivate", proxy(promotionsAPI))
	return server
}
