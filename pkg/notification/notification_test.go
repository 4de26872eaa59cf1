package notification

import (
	"context"
	"testing"
	"time"

	"autoloc/pkg/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Notification{}))
	return db
}

func sampleRental() *models.Rental {
	return &models.Rental{
		ID:        12,
		ClientID:  3,
		DealerID:  7,
		VehicleID: 5,
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
	}
}

func TestStoreNotify(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	store.Notify(ctx, RentalRequested(sampleRental(), "Peugeot 208 (DK-1)"))

	var n models.Notification
	require.NoError(t, db.First(&n).Error)
	assert.EqualValues(t, 7, n.RecipientID)
	assert.Equal(t, models.NotificationRentalRequested, n.Kind)
	assert.Equal(t, models.PriorityHigh, n.Priority)
	assert.Equal(t, "/rentals/12", n.Link)
	assert.Equal(t, models.NotificationData{RentalID: 12, VehicleID: 5}, n.Data)
	assert.Contains(t, n.Message, "Peugeot 208 (DK-1) from 2025-01-01 to 2025-01-05")
	assert.False(t, n.Read)
}

func TestStoreDefaultsPriority(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)

	store.Notify(context.Background(), Message{RecipientID: 1, Kind: models.NotificationRentalCancelled, Title: "t", Body: "b"})

	var n models.Notification
	require.NoError(t, db.First(&n).Error)
	assert.Equal(t, models.PriorityNormal, n.Priority)
}

func TestStoreListAndRead(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	r := sampleRental()
	store.Notify(ctx, RentalConfirmed(r, "car"))
	store.Notify(ctx, RentalDeparted(r, "car"))
	store.Notify(ctx, RentalReturned(r, "car"))
	store.Notify(ctx, RentalRequested(r, "car"))

	items, total, err := store.List(ctx, 3, false, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, models.NotificationRentalReturned, items[0].Kind)

	unread, err := store.UnreadCount(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, unread)

	n, err := store.MarkRead(ctx, 3, items[0].ID)
	require.NoError(t, err)
	assert.True(t, n.Read)
	assert.NotNil(t, n.ReadAt)

	_, err = store.MarkRead(ctx, 7, items[0].ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	items, total, err = store.List(ctx, 3, true, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 2)

	changed, err := store.MarkAllRead(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)

	unread, err = store.UnreadCount(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, unread)

	// the dealer's notification is untouched
	unread, err = store.UnreadCount(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)
}

func TestStoreSentSince(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	r := sampleRental()
	store.Notify(ctx, RentalLate(r, 2))

	hourAgo := time.Now().Add(-time.Hour)
	sent, err := store.SentSince(ctx, 3, models.NotificationRentalLate, 12, hourAgo)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = store.SentSince(ctx, 3, models.NotificationRentalLate, 13, hourAgo)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = store.SentSince(ctx, 3, models.NotificationRentalLate, 12, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestStoreLogsFailures(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Migrator().DropTable(&models.Notification{}))

	assert.NotPanics(t, func() {
		NewStore(db, nil).Notify(context.Background(), RentalLate(sampleRental(), 1))
	})
}

func TestBuilders(t *testing.T) {
	r := sampleRental()

	cases := []struct {
		msg       Message
		recipient uint
		kind      models.NotificationKind
	}{
		{RentalRequested(r, "car"), 7, models.NotificationRentalRequested},
		{RentalConfirmed(r, "car"), 3, models.NotificationRentalConfirmed},
		{RentalRefused(r, "car"), 3, models.NotificationRentalRefused},
		{RentalCancelled(r, "car"), 7, models.NotificationRentalCancelled},
		{RentalDeparted(r, "car"), 3, models.NotificationRentalDeparted},
		{RentalReturned(r, "car"), 3, models.NotificationRentalReturned},
		{RentalLate(r, 1), 3, models.NotificationRentalLate},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.recipient, tc.msg.RecipientID)
			assert.Equal(t, tc.kind, tc.msg.Kind)
			assert.NotEmpty(t, tc.msg.Title)
			assert.EqualValues(t, 12, tc.msg.Data.RentalID)
		})
	}
}

func TestRentalReturnedLate(t *testing.T) {
	r := sampleRental()
	r.DaysLate = 2
	r.PenaltyAmount = decimal.NewFromInt(10000)

	msg := RentalReturned(r, "car")
	assert.Equal(t, models.PriorityHigh, msg.Priority)
	assert.Equal(t, 2, msg.Data.DaysLate)
	assert.Contains(t, msg.Body, "2 day(s) late, penalty 10000.00")
}
