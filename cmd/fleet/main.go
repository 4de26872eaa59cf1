package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"autoloc/pkg/config"
	"autoloc/pkg/database"
	"autoloc/pkg/httpx"
	"autoloc/pkg/logger"
	"autoloc/pkg/models"
	"autoloc/pkg/rental"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "fleet"

var (
	db  *gorm.DB
	log = zap.NewNop()
)

var errDealershipNotFound = errors.New("dealership not found")
var errVehicleNotFound = errors.New("vehicle not found")

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

	server := setupRouter(cfg.Server.Port)
	if err := httpx.Serve(ctx, server, cfg.Server.Port, log); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
}

func setupRouter(port string) *gin.Engine {
	server := httpx.NewEngine(serviceName, log)
	server.GET("/manage/health", httpx.Health(db, "localhost:"+port))

	api := server.Group("/api/v1")
	api.GET("/dealerships", getDealerships)
	api.GET("/dealerships/:id", getDealership)
	api.GET("/dealerships/:id/vehicles", getDealershipVehicles)
	api.GET("/vehicles/:id", getVehicle)
	api.POST("/vehicles", httpx.RequireActor(), createVehicle)
	api.PATCH("/vehicles/:id", httpx.RequireActor(), updateVehicle)
	return server
}

func nullMoney(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(2)
}

func dealershipResponse(d *models.Dealership) gin.H {
	return gin.H{
		"id":           d.ID,
		"dealerId":     d.DealerID,
		"name":         d.Name,
		"city":         d.City,
		"address":      d.Address,
		"phone":        d.Phone,
		"email":        d.Email,
		"status":       d.Status,
		"vehicleCount": d.VehicleCount,
	}
}

func vehicleResponse(v *models.Vehicle) gin.H {
	return gin.H{
		"id":           v.ID,
		"dealerId":     v.DealerID,
		"dealershipId": v.DealershipID,
		"make":         v.Make,
		"model":        v.Model,
		"year":         v.Year,
		"plate":        v.Plate,
		"category":     v.Category,
		"fuel":         v.Fuel,
		"transmission": v.Transmission,
		"seats":        v.Seats,
		"status":       v.Status,
		"forRent":      v.ForRent,
		"forSale":      v.ForSale,
		"dailyRate":    nullMoney(v.DailyRate),
		"deposit":      nullMoney(v.Deposit),
		"salePrice":    nullMoney(v.SalePrice),
		"mileage":      v.Mileage,
		"rentalCount":  v.RentalCount,
		"visible":      v.Visible,
	}
}

func findDealership(c *gin.Context) (*models.Dealership, error) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		return nil, err
	}
	var d models.Dealership
	err = db.WithContext(c.Request.Context()).First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(errDealershipNotFound, "dealership %d", id)
	}
	return &d, errors.Wrap(err, "load dealership")
}

func findVehicle(c *gin.Context) (*models.Vehicle, error) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		return nil, err
	}
	var v models.Vehicle
	err = db.WithContext(c.Request.Context()).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(errVehicleNotFound, "vehicle %d", id)
	}
	return &v, errors.Wrap(err, "load vehicle")
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, errDealershipNotFound) || errors.Is(err, errVehicleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	httpx.RespondError(c, log, err)
}

func getDealerships(c *gin.Context) {
	page, size := httpx.Pagination(c)

	query := db.WithContext(c.Request.Context()).Model(&models.Dealership{}).
		Where("status = ?", models.DealershipValidated)
	if city := strings.TrimSpace(c.Query("city")); city != "" {
		query = query.Where("LOWER(city) = ?", strings.ToLower(city))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		respondError(c, errors.Wrap(err, "count dealerships"))
		return
	}
	var dealerships []models.Dealership
	if err := query.Order("name").Offset((page - 1) * size).Limit(size).Find(&dealerships).Error; err != nil {
		respondError(c, errors.Wrap(err, "list dealerships"))
		return
	}

	items := make([]gin.H, len(dealerships))
	for i := range dealerships {
		items[i] = dealershipResponse(&dealerships[i])
	}
	c.JSON(http.StatusOK, httpx.Page{Page: page, PageSize: size, TotalElements: total, Items: items})
}

func getDealership(c *gin.Context) {
	d, err := findDealership(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dealershipResponse(d))
}

// getDealershipVehicles lists the rentable vehicles of a dealership, or all
// of them with showAll=true.
func getDealershipVehicles(c *gin.Context) {
	d, err := findDealership(c)
	if err != nil {
		respondError(c, err)
		return
	}
	page, size := httpx.Pagination(c)

	query := db.WithContext(c.Request.Context()).Model(&models.Vehicle{}).Where("dealership_id = ?", d.ID)
	if c.DefaultQuery("showAll", "false") != "true" {
		query = query.Where("visible = ? AND for_rent = ? AND status = ?", true, true, models.VehicleAvailable)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		respondError(c, errors.Wrap(err, "count vehicles"))
		return
	}
	var vehicles []models.Vehicle
	if err := query.Order("id").Offset((page - 1) * size).Limit(size).Find(&vehicles).Error; err != nil {
		respondError(c, errors.Wrap(err, "list vehicles"))
		return
	}

	items := make([]gin.H, len(vehicles))
	for i := range vehicles {
		items[i] = vehicleResponse(&vehicles[i])
	}
	c.JSON(http.StatusOK, httpx.Page{Page: page, PageSize: size, TotalElements: total, Items: items})
}

func getVehicle(c *gin.Context) {
	v, err := findVehicle(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, vehicleResponse(v))
}

func createVehicle(c *gin.Context) {
	actor := httpx.CurrentActor(c)
	if actor.Role != rental.RoleDealer {
		respondError(c, rental.ErrForbidden)
		return
	}

	var request struct {
		DealershipID uint                `json:"dealershipId" binding:"required"`
		Make         string              `json:"make" binding:"required"`
		Model        string              `json:"model" binding:"required"`
		Year         int                 `json:"year" binding:"required"`
		Plate        string              `json:"plate" binding:"required"`
		Category     string              `json:"category"`
		Fuel         string              `json:"fuel"`
		Transmission string              `json:"transmission"`
		Seats        int                 `json:"seats"`
		ForRent      bool                `json:"forRent"`
		ForSale      bool                `json:"forSale"`
		DailyRate    decimal.NullDecimal `json:"dailyRate"`
		Deposit      decimal.NullDecimal `json:"deposit"`
		SalePrice    decimal.NullDecimal `json:"salePrice"`
		Mileage      int                 `json:"mileage"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		httpx.BindError(c, err)
		return
	}

	v := models.Vehicle{
		DealerID:     actor.ID,
		DealershipID: request.DealershipID,
		Make:         request.Make,
		Model:        request.Model,
		Year:         request.Year,
		Plate:        strings.ToUpper(strings.TrimSpace(request.Plate)),
		Category:     request.Category,
		Fuel:         request.Fuel,
		Transmission: request.Transmission,
		Seats:        request.Seats,
		Status:       models.VehicleAvailable,
		ForRent:      request.ForRent,
		ForSale:      request.ForSale,
		DailyRate:    request.DailyRate,
		Deposit:      request.Deposit,
		SalePrice:    request.SalePrice,
		Mileage:      request.Mileage,
		Visible:      true,
	}
	if errs := v.Check(); len(errs) > 0 {
		respondError(c, rental.FieldErrors(errs))
		return
	}

	err := db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var d models.Dealership
		err := tx.First(&d, request.DealershipID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rental.FieldErrors{"dealershipId": "dealership does not exist"}
		}
		if err != nil {
			return errors.Wrap(err, "load dealership")
		}
		if d.DealerID != actor.ID {
			return rental.ErrForbidden
		}
		if d.Status != models.DealershipValidated {
			return rental.FieldErrors{"dealershipId": "dealership is not validated"}
		}

		var taken int64
		if err := tx.Model(&models.Vehicle{}).Where("plate = ?", v.Plate).Count(&taken).Error; err != nil {
			return errors.Wrap(err, "check plate")
		}
		if taken > 0 {
			return rental.FieldErrors{"plate": "plate already registered"}
		}

		if err := tx.Create(&v).Error; err != nil {
			return errors.Wrap(err, "create vehicle")
		}
		return errors.Wrap(
			tx.Model(&d).Update("vehicle_count", gorm.Expr("vehicle_count + ?", 1)).Error,
			"update dealership vehicle count",
		)
	})
	if err != nil {
		respondError(c, err)
		return
	}

	log.Info("vehicle created", zap.Uint("vehicle_id", v.ID), zap.Uint("dealer_id", actor.ID))
	c.JSON(http.StatusCreated, vehicleResponse(&v))
}

// updateVehicle lets the owning dealer change pricing, availability and
// visibility. Rented vehicles keep their status until they come back.
func updateVehicle(c *gin.Context) {
	actor := httpx.CurrentActor(c)
	v, err := findVehicle(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if actor.Role != rental.RoleDealer || v.DealerID != actor.ID {
		respondError(c, rental.ErrForbidden)
		return
	}

	var request struct {
		DailyRate decimal.NullDecimal `json:"dailyRate"`
		Deposit   decimal.NullDecimal `json:"deposit"`
		Status    string              `json:"status"`
		Visible   *bool               `json:"visible"`
		ForRent   *bool               `json:"forRent"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		httpx.BindError(c, err)
		return
	}

	if request.DailyRate.Valid {
		v.DailyRate = request.DailyRate
	}
	if request.Deposit.Valid {
		v.Deposit = request.Deposit
	}
	if request.Visible != nil {
		v.Visible = *request.Visible
	}
	if request.ForRent != nil {
		v.ForRent = *request.ForRent
	}

	errs := rental.FieldErrors(v.Check())
	if request.Status != "" {
		status := models.VehicleStatus(strings.ToUpper(request.Status))
		switch {
		case v.Status == models.VehicleRented && status != models.VehicleRented:
			errs["status"] = "a rented vehicle changes status when it is returned"
		case status == models.VehicleAvailable, status == models.VehicleMaintenance, status == models.VehicleUnavailable:
			v.Status = status
		case status != v.Status:
			errs["status"] = "status must be AVAILABLE, MAINTENANCE or UNAVAILABLE"
		}
	}
	if len(errs) > 0 {
		respondError(c, errs)
		return
	}

	err = db.WithContext(c.Request.Context()).Model(v).
		Select("daily_rate", "deposit", "status", "visible", "for_rent", "updated_at").
		Updates(v).Error
	if err != nil {
		respondError(c, errors.Wrap(err, "update vehicle"))
		return
	}
	c.JSON(http.StatusOK, vehicleResponse(v))
}
