package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DealershipStatus string

const (
	DealershipPending   DealershipStatus = "PENDING"
	DealershipValidated DealershipStatus = "VALIDATED"
	DealershipSuspended DealershipStatus = "SUSPENDED"
)

type Dealership struct {
	ID           uint             `gorm:"primaryKey"`
	DealerID     uint             `gorm:"not null;index"`
	Name         string           `gorm:"size:120;not null"`
	City         string           `gorm:"size:80;not null;index"`
	Address      string           `gorm:"not null"`
	Phone        string           `gorm:"size:20"`
	Email        string           `gorm:"size:120"`
	Status       DealershipStatus `gorm:"size:20;not null"`
	VehicleCount int              `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "AVAILABLE"
	VehicleRented      VehicleStatus = "RENTED"
	VehicleMaintenance VehicleStatus = "MAINTENANCE"
	VehicleUnavailable VehicleStatus = "UNAVAILABLE"
)

type Vehicle struct {
	ID           uint                `gorm:"primaryKey"`
	DealerID     uint                `gorm:"not null;index"`
	DealershipID uint                `gorm:"not null;index"`
	Make         string              `gorm:"size:60;not null"`
	Model        string              `gorm:"size:60;not null"`
	Year         int                 `gorm:"not null"`
	Plate        string              `gorm:"size:20;not null;uniqueIndex"`
	Category     string              `gorm:"size:30"`
	Fuel         string              `gorm:"size:20"`
	Transmission string              `gorm:"size:20"`
	Seats        int                 `gorm:"not null"`
	Status       VehicleStatus       `gorm:"size:20;not null;index"`
	ForRent      bool                `gorm:"not null"`
	ForSale      bool                `gorm:"not null"`
	DailyRate    decimal.NullDecimal `gorm:"type:decimal(10,2)"`
	Deposit      decimal.NullDecimal `gorm:"type:decimal(10,2)"`
	SalePrice    decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	Mileage      int                 `gorm:"not null"`
	RentalCount  int                 `gorm:"not null"`
	Visible      bool                `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Check returns the offer errors of the vehicle keyed by field.
func (v *Vehicle) Check() map[string]string {
	errs := map[string]string{}
	if !v.ForRent && !v.ForSale {
		errs["forRent"] = "vehicle must be offered for rent and/or for sale"
	}
	if v.ForRent && (!v.DailyRate.Valid || !v.DailyRate.Decimal.IsPositive()) {
		errs["dailyRate"] = "a vehicle for rent must have a positive daily rate"
	}
	if v.ForSale && (!v.SalePrice.Valid || !v.SalePrice.Decimal.IsPositive()) {
		errs["salePrice"] = "a vehicle for sale must have a positive sale price"
	}
	if v.Deposit.Valid && v.Deposit.Decimal.IsNegative() {
		errs["deposit"] = "deposit must not be negative"
	}
	if v.Mileage < 0 {
		errs["mileage"] = "mileage must not be negative"
	}
	return errs
}

type RentalStatus string

const (
	RentalRequested  RentalStatus = "REQUESTED"
	RentalConfirmed  RentalStatus = "CONFIRMED"
	RentalInProgress RentalStatus = "IN_PROGRESS"
	RentalCompleted  RentalStatus = "COMPLETED"
	RentalCancelled  RentalStatus = "CANCELLED"
)

type Rental struct {
	ID           uint `gorm:"primaryKey"`
	ClientID     uint `gorm:"not null;index"`
	VehicleID    uint `gorm:"not null;index"`
	DealerID     uint `gorm:"not null;index"`
	DealershipID uint `gorm:"not null;index"`

	StartDate  time.Time `gorm:"type:date;not null"`
	EndDate    time.Time `gorm:"type:date;not null"`
	DepartedAt *time.Time
	ReturnedAt *time.Time

	DailyRate      decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	DayCount       int             `gorm:"not null"`
	TotalPrice     decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Deposit        decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	PromotionCode  string          `gorm:"size:50"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2);not null"`

	DepartureMileage *int
	ReturnMileage    *int

	Status        RentalStatus    `gorm:"size:20;not null;index"`
	DaysLate      int             `gorm:"not null"`
	PenaltyAmount decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	PenaltyRate   decimal.Decimal `gorm:"type:decimal(5,2);not null"`

	ClientNotes        string `gorm:"type:text"`
	DealerNotes        string `gorm:"type:text"`
	DepartureCondition string `gorm:"type:text"`
	ReturnCondition    string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type NotificationKind string

const (
	NotificationRentalRequested NotificationKind = "RENTAL_REQUESTED"
	NotificationRentalConfirmed NotificationKind = "RENTAL_CONFIRMED"
	NotificationRentalRefused   NotificationKind = "RENTAL_REFUSED"
	NotificationRentalCancelled NotificationKind = "RENTAL_CANCELLED"
	NotificationRentalDeparted  NotificationKind = "RENTAL_DEPARTED"
	NotificationRentalReturned  NotificationKind = "RENTAL_RETURNED"
	NotificationRentalLate      NotificationKind = "RENTAL_LATE"
)

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "LOW"
	PriorityNormal NotificationPriority = "NORMAL"
	PriorityHigh   NotificationPriority = "HIGH"
	PriorityUrgent NotificationPriority = "URGENT"
)

// NotificationData is the structured payload attached to a notification.
type NotificationData struct {
	RentalID    uint `json:"rental_id,omitempty"`
	VehicleID   uint `json:"vehicle_id,omitempty"`
	PromotionID uint `json:"promotion_id,omitempty"`
	DaysLate    int  `json:"days_late,omitempty"`
}

type Notification struct {
	ID          uint                 `gorm:"primaryKey"`
	RecipientID uint                 `gorm:"not null;index"`
	Kind        NotificationKind     `gorm:"size:40;not null"`
	Title       string               `gorm:"size:200;not null"`
	Message     string               `gorm:"type:text;not null"`
	Priority    NotificationPriority `gorm:"size:10;not null"`
	Link        string               `gorm:"size:255"`
	ActionText  string               `gorm:"size:50"`
	Data        NotificationData     `gorm:"serializer:json"`
	Read        bool                 `gorm:"not null;index"`
	ReadAt      *time.Time
	CreatedAt   time.Time `gorm:"index"`
}

type Contract struct {
	ID          uint      `gorm:"primaryKey"`
	RentalID    uint      `gorm:"not null;uniqueIndex"`
	Number      string    `gorm:"size:30;not null;uniqueIndex"`
	StorageKey  string    `gorm:"not null"`
	SHA256      string    `gorm:"column:sha256;size:64;not null"`
	Size        int64     `gorm:"not null"`
	GeneratedAt time.Time `gorm:"not null"`
}

type PromotionKind string

const (
	PromotionPercentage  PromotionKind = "PERCENTAGE"
	PromotionFixedAmount PromotionKind = "FIXED_AMOUNT"
)

type PromotionStatus string

const (
	PromotionActive   PromotionStatus = "ACTIVE"
	PromotionInactive PromotionStatus = "INACTIVE"
	PromotionExpired  PromotionStatus = "EXPIRED"
)

type Promotion struct {
	ID              uint                `gorm:"primaryKey"`
	DealerID        uint                `gorm:"not null;index"`
	DealershipID    *uint               `gorm:"index"`
	Name            string              `gorm:"size:120;not null"`
	Description     string              `gorm:"type:text"`
	Code            string              `gorm:"size:50;not null;uniqueIndex"`
	Kind            PromotionKind       `gorm:"size:20;not null"`
	Value           decimal.Decimal     `gorm:"type:decimal(10,2);not null"`
	StartsOn        time.Time           `gorm:"type:date;not null"`
	EndsOn          time.Time           `gorm:"type:date;not null"`
	Status          PromotionStatus     `gorm:"size:20;not null;index"`
	MaxUses         *int
	UsesPerClient   int                 `gorm:"not null"`
	UseCount        int                 `gorm:"not null"`
	MinimumAmount   decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	MaxDiscount     decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	VehicleIDs      []uint              `gorm:"serializer:json"`
	Categories      []string            `gorm:"serializer:json"`
	TargetClientIDs []uint              `gorm:"serializer:json"`
	Stackable       bool                `gorm:"not null"`
	Visible         bool                `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type PromotionUsage struct {
	ID             uint            `gorm:"primaryKey"`
	PromotionID    uint            `gorm:"not null;index"`
	ClientID       uint            `gorm:"not null;index"`
	RentalID       *uint           `gorm:"index"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	UsedAt         time.Time       `gorm:"autoCreateTime"`
}
