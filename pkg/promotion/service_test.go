package promotion

import (
	"context"
	"errors"
	"testing"
	"time"

	"autoloc/pkg/models"
	"autoloc/pkg/rental"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Promotion{}, &models.PromotionUsage{}))
	return db
}

func newTestService(t *testing.T, now time.Time) (*Service, *gorm.DB) {
	db := setupTestDB(t)
	return NewService(db, WithClock(func() time.Time { return now })), db
}

func christmas() CreateRequest {
	return CreateRequest{
		DealerID:    7,
		Name:        "Christmas",
		Code:        " noel24 ",
		Kind:        models.PromotionPercentage,
		Value:       decimal.NewFromInt(10),
		StartsOn:    day("2024-12-01"),
		EndsOn:      day("2024-12-31"),
		MaxUses:     intp(2),
		MaxDiscount: decimal.NewNullDecimal(decimal.NewFromInt(8000)),
		Visible:     true,
	}
}

var sedan = VehicleRef{ID: 11, DealerID: 7, DealershipID: 2, Category: "SEDAN"}

func TestCreatePromotion(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	p, err := svc.Create(ctx, christmas())
	require.NoError(t, err)
	assert.Equal(t, "NOEL24", p.Code)
	assert.Equal(t, 1, p.UsesPerClient)
	assert.Equal(t, models.PromotionActive, p.Status)

	_, err = svc.Create(ctx, christmas())
	var fe rental.FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "code already in use", fe["code"])

	bad := christmas()
	bad.Code = "BAD"
	bad.Value = decimal.NewFromInt(120)
	bad.EndsOn = day("2024-11-01")
	bad.Kind = models.PromotionPercentage
	_, err = svc.Create(ctx, bad)
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "value")
	assert.Contains(t, fe, "endsOn")
}

func TestQuoteAndApply(t *testing.T) {
	svc, db := newTestService(t, time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	p, err := svc.Create(ctx, christmas())
	require.NoError(t, err)

	q, err := svc.Quote(ctx, QuoteRequest{Code: "noel24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(60000)})
	require.NoError(t, err)
	assert.Equal(t, p.ID, q.PromotionID)
	assert.Equal(t, "6000", q.Discount.String())
	assert.Equal(t, "54000", q.FinalAmount.String())

	q, err = svc.Quote(ctx, QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(100000)})
	require.NoError(t, err)
	assert.Equal(t, "8000", q.Discount.String())

	rentalID := uint(42)
	usage, err := svc.Apply(ctx, ApplyRequest{
		QuoteRequest: QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(60000)},
		RentalID:     &rentalID,
	})
	require.NoError(t, err)
	assert.Equal(t, "6000", usage.DiscountAmount.String())

	again, err := svc.Apply(ctx, ApplyRequest{
		QuoteRequest: QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(60000)},
		RentalID:     &rentalID,
	})
	require.NoError(t, err)
	assert.Equal(t, usage.ID, again.ID)

	var stored models.Promotion
	require.NoError(t, db.First(&stored, p.ID).Error)
	assert.Equal(t, 1, stored.UseCount)

	_, err = svc.Quote(ctx, QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(60000)})
	var ie *IneligibleError
	require.True(t, errors.As(err, &ie))
	assert.Contains(t, ie.Reason, "already used")
}

func TestApplyStopsAtMaxUses(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	_, err := svc.Create(ctx, christmas())
	require.NoError(t, err)

	for client := uint(1); client <= 2; client++ {
		_, err := svc.Apply(ctx, ApplyRequest{QuoteRequest: QuoteRequest{Code: "NOEL24", ClientID: client, Vehicle: sedan, Amount: decimal.NewFromInt(1000)}})
		require.NoError(t, err)
	}

	_, err = svc.Apply(ctx, ApplyRequest{QuoteRequest: QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(1000)}})
	var ie *IneligibleError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "promotion is no longer valid", ie.Reason)
}

func TestQuoteRejections(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	req := christmas()
	req.Categories = []string{"SUV"}
	_, err := svc.Create(ctx, req)
	require.NoError(t, err)

	var ie *IneligibleError
	_, err = svc.Quote(ctx, QuoteRequest{Code: "UNKNOWN", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(1000)})
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "unknown code", ie.Reason)

	_, err = svc.Quote(ctx, QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(1000)})
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "promotion does not cover this vehicle", ie.Reason)
}

func TestDeactivateAndList(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	p, err := svc.Create(ctx, christmas())
	require.NoError(t, err)
	hidden := christmas()
	hidden.Code = "HIDDEN"
	hidden.Visible = false
	_, err = svc.Create(ctx, hidden)
	require.NoError(t, err)

	items, err := svc.ListAvailable(ctx, ListFilter{DealershipID: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, p.ID, items[0].ID)

	_, err = svc.Deactivate(ctx, 8, p.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Deactivate(ctx, 7, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err = svc.Deactivate(ctx, 7, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromotionInactive, p.Status)

	items, err = svc.ListAvailable(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRefreshAll(t *testing.T) {
	now := time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC)
	db := setupTestDB(t)
	svc := NewService(db, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	p, err := svc.Create(ctx, christmas())
	require.NoError(t, err)
	future := christmas()
	future.Code = "NEWYEAR"
	future.StartsOn = day("2025-01-01")
	future.EndsOn = day("2025-01-15")
	f, err := svc.Create(ctx, future)
	require.NoError(t, err)
	require.NoError(t, db.Model(f).Update("status", models.PromotionExpired).Error)

	now = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	changed, err := svc.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	p, err = svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromotionExpired, p.Status)
	f, err = svc.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromotionActive, f.Status)
}

func TestTodayFollowsLocation(t *testing.T) {
	db := setupTestDB(t)
	dakar := time.FixedZone("GMT", 0)
	paris := time.FixedZone("CET", 60*60)
	lateEvening := time.Date(2024, 12, 31, 23, 30, 0, 0, dakar)
	ctx := context.Background()

	home := NewService(db, WithClock(func() time.Time { return lateEvening }), WithLocation(dakar))
	_, err := home.Create(ctx, christmas())
	require.NoError(t, err)
	_, err = home.Quote(ctx, QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(60000)})
	require.NoError(t, err)

	ahead := NewService(db, WithClock(func() time.Time { return lateEvening }), WithLocation(paris))
	assert.Equal(t, "2025-01-01", models.FormatDate(ahead.Today()))
	_, err = ahead.Quote(ctx, QuoteRequest{Code: "NOEL24", ClientID: 3, Vehicle: sedan, Amount: decimal.NewFromInt(60000)})
	var ie *IneligibleError
	assert.True(t, errors.As(err, &ie), "promotion ended in the configured zone")
}
