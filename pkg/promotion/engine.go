package promotion

import (
	"fmt"
	"time"

	"autoloc/pkg/models"

	"github.com/shopspring/decimal"
)

// IneligibleError explains why a promotion cannot be used.
type IneligibleError struct {
	Code   string
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("promotion %s cannot be applied: %s", e.Code, e.Reason)
}

func ineligible(p *models.Promotion, reason string) *IneligibleError {
	return &IneligibleError{Code: p.Code, Reason: reason}
}

// VehicleRef is the part of a vehicle promotion targeting looks at.
type VehicleRef struct {
	ID           uint
	DealerID     uint
	DealershipID uint
	Category     string
}

// RefreshStatus moves a promotion to EXPIRED after its end date or to
// ACTIVE once started. A deactivated promotion keeps its status. It reports
// whether the status changed.
func RefreshStatus(p *models.Promotion, today time.Time) bool {
	if p.Status == models.PromotionInactive {
		return false
	}
	prev := p.Status
	switch {
	case models.DaysBetween(p.EndsOn, today) > 0:
		p.Status = models.PromotionExpired
	case models.DaysBetween(p.StartsOn, today) >= 0:
		p.Status = models.PromotionActive
	}
	return p.Status != prev
}

// IsValid reports whether the promotion can be used today at all.
func IsValid(p *models.Promotion, today time.Time) bool {
	if p.Status != models.PromotionActive {
		return false
	}
	if models.DaysBetween(p.StartsOn, today) < 0 || models.DaysBetween(p.EndsOn, today) > 0 {
		return false
	}
	if p.MaxUses != nil && p.UseCount >= *p.MaxUses {
		return false
	}
	return true
}

// RemainingUses is nil for an unlimited promotion.
func RemainingUses(p *models.Promotion) *int {
	if p.MaxUses == nil {
		return nil
	}
	left := *p.MaxUses - p.UseCount
	if left < 0 {
		left = 0
	}
	return &left
}

func DaysLeft(p *models.Promotion, today time.Time) int {
	days := models.DaysBetween(today, p.EndsOn)
	if days < 0 {
		return 0
	}
	return days
}

// Targets reports whether the promotion is open to the client.
func Targets(p *models.Promotion, clientID uint) bool {
	if len(p.TargetClientIDs) == 0 {
		return true
	}
	for _, id := range p.TargetClientIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

// CheckClient returns an *IneligibleError when the client may not use the
// promotion, having already used it usedByClient times.
func CheckClient(p *models.Promotion, clientID uint, usedByClient int64, today time.Time) error {
	if !IsValid(p, today) {
		return ineligible(p, "promotion is no longer valid")
	}
	if !Targets(p, clientID) {
		return ineligible(p, "promotion is not offered to this client")
	}
	perClient := p.UsesPerClient
	if perClient < 1 {
		perClient = 1
	}
	if usedByClient >= int64(perClient) {
		return ineligible(p, fmt.Sprintf("code already used %d time(s)", usedByClient))
	}
	return nil
}

// AppliesTo reports whether the promotion covers the vehicle.
func AppliesTo(p *models.Promotion, v VehicleRef) bool {
	if v.DealerID != p.DealerID {
		return false
	}
	if p.DealershipID != nil && *p.DealershipID != v.DealershipID {
		return false
	}
	if len(p.VehicleIDs) > 0 && !containsUint(p.VehicleIDs, v.ID) {
		return false
	}
	if len(p.Categories) > 0 && !containsString(p.Categories, v.Category) {
		return false
	}
	return true
}

// Discount computes the reduction granted on amount. It never exceeds the
// amount nor the promotion cap.
func Discount(p *models.Promotion, amount decimal.Decimal) (decimal.Decimal, error) {
	if p.MinimumAmount.Valid && amount.LessThan(p.MinimumAmount.Decimal) {
		return decimal.Zero, ineligible(p, fmt.Sprintf("minimum amount is %s", p.MinimumAmount.Decimal.StringFixed(2)))
	}

	var discount decimal.Decimal
	switch p.Kind {
	case models.PromotionPercentage:
		discount = amount.Mul(p.Value).Div(decimal.NewFromInt(100)).Round(2)
		if p.MaxDiscount.Valid && discount.GreaterThan(p.MaxDiscount.Decimal) {
			discount = p.MaxDiscount.Decimal
		}
	case models.PromotionFixedAmount:
		discount = decimal.Min(p.Value, amount)
	default:
		return decimal.Zero, ineligible(p, fmt.Sprintf("unknown discount kind %q", p.Kind))
	}

	if discount.GreaterThan(amount) {
		discount = amount
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount, nil
}

func containsUint(list []uint, v uint) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
