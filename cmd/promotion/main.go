package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"autoloc/pkg/config"
	"autoloc/pkg/database"
	"autoloc/pkg/httpx"
	"autoloc/pkg/logger"
	"autoloc/pkg/models"
	"autoloc/pkg/promotion"
	"autoloc/pkg/rental"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "promotion"

var (
	db         *gorm.DB
	promotions *promotion.Service
	log        = zap.NewNop()
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
	promotions = promotion.NewService(db,
		promotion.WithLocation(loc),
		promotion.WithLogger(logger.Named(log, "promotion")),
	)

	server := setupRouter(cfg.Server.Port)
	if err := httpx.Serve(ctx, server, cfg.Server.Port, log); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
}

func setupRouter(port string) *gin.Engine {
	server := httpx.NewEngine(serviceName, log)
	server.GET("/manage/health", httpx.Health(db, "localhost:"+port))

	api := server.Group("/api/v1", httpx.RequireActor())
	api.GET("/promotions", listPromotions)
	api.POST("/promotions", createPromotion)
	api.POST("/promotions/quote", quotePromotion)
	api.POST("/promotions/apply", applyPromotion)
	api.POST("/promotions/:id/deactivate", deactivatePromotion)
	return server
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func nullMoney(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return money(d.Decimal)
}

func promotionResponse(p *models.Promotion) gin.H {
	today := promotions.Today()
	return gin.H{
		"id":              p.ID,
		"dealerId":        p.DealerID,
		"dealershipId":    p.DealershipID,
		"name":            p.Name,
		"description":     p.Description,
		"code":            p.Code,
		"kind":            p.Kind,
		"value":           money(p.Value),
		"startsOn":        models.FormatDate(p.StartsOn),
		"endsOn":          models.FormatDate(p.EndsOn),
		"status":          p.Status,
		"maxUses":         p.MaxUses,
		"usesPerClient":   p.UsesPerClient,
		"useCount":        p.UseCount,
		"remainingUses":   promotion.RemainingUses(p),
		"daysLeft":        promotion.DaysLeft(p, today),
		"valid":           promotion.IsValid(p, today),
		"minimumAmount":   nullMoney(p.MinimumAmount),
		"maxDiscount":     nullMoney(p.MaxDiscount),
		"vehicleIds":      p.VehicleIDs,
		"categories":      p.Categories,
		"targetClientIds": p.TargetClientIDs,
		"stackable":       p.Stackable,
		"visible":         p.Visible,
	}
}

func quoteResponse(q *promotion.Quote) gin.H {
	return gin.H{
		"promotionId": q.PromotionID,
		"code":        q.Code,
		"amount":      money(q.Amount),
		"discount":    money(q.Discount),
		"finalAmount": money(q.FinalAmount),
	}
}

func listPromotions(c *gin.Context) {
	var filter promotion.ListFilter
	params := []struct {
		name string
		dst  *uint
	}{
		{"dealershipId", &filter.DealershipID},
		{"dealerId", &filter.DealerID},
	}
	for _, p := range params {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httpx.RespondError(c, log, rental.FieldErrors{p.name: "must be a positive integer"})
			return
		}
		*p.dst = uint(id)
	}

	items, err := promotions.ListAvailable(c.Request.Context(), filter)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	out := make([]gin.H, len(items))
	for i := range items {
		out[i] = promotionResponse(&items[i])
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "totalElements": len(out)})
}

func createPromotion(c *gin.Context) {
	actor := httpx.CurrentActor(c)
	if actor.Role != rental.RoleDealer {
		httpx.RespondError(c, log, promotion.ErrForbidden)
		return
	}

	var request struct {
		DealershipID    *uint               `json:"dealershipId"`
		Name            string              `json:"name" binding:"required"`
		Description     string              `json:"description"`
		Code            string              `json:"code" binding:"required"`
		Kind            string              `json:"kind" binding:"required"`
		Value           decimal.Decimal     `json:"value"`
		StartsOn        string              `json:"startsOn" binding:"required"`
		EndsOn          string              `json:"endsOn" binding:"required"`
		MaxUses         *int                `json:"maxUses"`
		UsesPerClient   int                 `json:"usesPerClient"`
		MinimumAmount   decimal.NullDecimal `json:"minimumAmount"`
		MaxDiscount     decimal.NullDecimal `json:"maxDiscount"`
		VehicleIDs      []uint              `json:"vehicleIds"`
		Categories      []string            `json:"categories"`
		TargetClientIDs []uint              `json:"targetClientIds"`
		Stackable       bool                `json:"stackable"`
		Visible         *bool               `json:"visible"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		httpx.BindError(c, err)
		return
	}

	errs := rental.FieldErrors{}
	startsOn, err := models.ParseDate(request.StartsOn)
	if err != nil {
		errs["startsOn"] = "must be a date formatted YYYY-MM-DD"
	}
	endsOn, err := models.ParseDate(request.EndsOn)
	if err != nil {
		errs["endsOn"] = "must be a date formatted YYYY-MM-DD"
	}
	if len(errs) > 0 {
		httpx.RespondError(c, log, errs)
		return
	}

	visible := true
	if request.Visible != nil {
		visible = *request.Visible
	}
	categories := make([]string, len(request.Categories))
	for i, cat := range request.Categories {
		categories[i] = strings.ToUpper(strings.TrimSpace(cat))
	}

	p, err := promotions.Create(c.Request.Context(), promotion.CreateRequest{
		DealerID:        actor.ID,
		DealershipID:    request.DealershipID,
		Name:            request.Name,
		Description:     request.Description,
		Code:            request.Code,
		Kind:            models.PromotionKind(strings.ToUpper(request.Kind)),
		Value:           request.Value,
		StartsOn:        startsOn,
		EndsOn:          endsOn,
		MaxUses:         request.MaxUses,
		UsesPerClient:   request.UsesPerClient,
		MinimumAmount:   request.MinimumAmount,
		MaxDiscount:     request.MaxDiscount,
		VehicleIDs:      request.VehicleIDs,
		Categories:      categories,
		TargetClientIDs: request.TargetClientIDs,
		Stackable:       request.Stackable,
		Visible:         visible,
	})
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusCreated, promotionResponse(p))
}

func deactivatePromotion(c *gin.Context) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	actor := httpx.CurrentActor(c)
	if actor.Role != rental.RoleDealer {
		httpx.RespondError(c, log, promotion.ErrForbidden)
		return
	}
	p, err := promotions.Deactivate(c.Request.Context(), actor.ID, id)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, promotionResponse(p))
}

type quoteRequest struct {
	Code     string `json:"code" binding:"required"`
	ClientID uint   `json:"clientId"`
	Vehicle  struct {
		ID           uint   `json:"id" binding:"required"`
		DealerID     uint   `json:"dealerId" binding:"required"`
		DealershipID uint   `json:"dealershipId"`
		Category     string `json:"category"`
	} `json:"vehicle"`
	Amount   decimal.Decimal `json:"amount"`
	RentalID *uint           `json:"rentalId"`
}

// bindQuote reads a quote or apply body. A client always quotes for itself.
func bindQuote(c *gin.Context) (quoteRequest, promotion.QuoteRequest, bool) {
	var request quoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		httpx.BindError(c, err)
		return request, promotion.QuoteRequest{}, false
	}

	actor := httpx.CurrentActor(c)
	if actor.Role == rental.RoleClient {
		request.ClientID = actor.ID
	}
	errs := rental.FieldErrors{}
	if request.ClientID == 0 {
		errs["clientId"] = "client id is required"
	}
	if !request.Amount.IsPositive() {
		errs["amount"] = "amount must be positive"
	}
	if len(errs) > 0 {
		httpx.RespondError(c, log, errs)
		return request, promotion.QuoteRequest{}, false
	}

	return request, promotion.QuoteRequest{
		Code:     request.Code,
		ClientID: request.ClientID,
		Vehicle: promotion.VehicleRef{
			ID:           request.Vehicle.ID,
			DealerID:     request.Vehicle.DealerID,
			DealershipID: request.Vehicle.DealershipID,
			Category:     strings.ToUpper(request.Vehicle.Category),
		},
		Amount: request.Amount,
	}, true
}

func quotePromotion(c *gin.Context) {
	_, req, ok := bindQuote(c)
	if !ok {
		return
	}
	q, err := promotions.Quote(c.Request.Context(), req)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, quoteResponse(q))
}

func applyPromotion(c *gin.Context) {
	request, req, ok := bindQuote(c)
	if !ok {
		return
	}
	usage, err := promotions.Apply(c.Request.Context(), promotion.ApplyRequest{QuoteRequest: req, RentalID: request.RentalID})
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":             usage.ID,
		"promotionId":    usage.PromotionID,
		"clientId":       usage.ClientID,
		"rentalId":       usage.RentalID,
		"discountAmount": money(usage.DiscountAmount),
		"usedAt":         usage.UsedAt.UTC().Format(time.RFC3339),
	})
}
