package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

// Date truncates t to midnight UTC of its calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Date(t), nil
}

// FormatDate renders the calendar date of t.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// DaysBetween counts whole calendar days from a to b. Negative when b is
// before a.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

// Price returns the number of billable days of a rental running from start
// to end (both inclusive) and its total at the given daily rate.
func Price(start, end time.Time, dailyRate decimal.Decimal) (int, decimal.Decimal) {
	days := DaysBetween(start, end) + 1
	return days, dailyRate.Mul(decimal.NewFromInt(int64(days)))
}

// Reprice recomputes the day count and total price from the schedule and
// the daily rate.
func (r *Rental) Reprice() {
	r.StartDate = Date(r.StartDate)
	r.EndDate = Date(r.EndDate)
	r.DayCount, r.TotalPrice = Price(r.StartDate, r.EndDate, r.DailyRate)
}

func (r *Rental) BeforeSave(tx *gorm.DB) error {
	r.Reprice()
	return nil
}

// KmDriven is nil until both odometer readings are recorded.
func (r *Rental) KmDriven() *int {
	if r.DepartureMileage == nil || r.ReturnMileage == nil {
		return nil
	}
	km := *r.ReturnMileage - *r.DepartureMileage
	return &km
}

// ActualDays counts the calendar days the vehicle was out, departure and
// return days included.
func (r *Rental) ActualDays(loc *time.Location) int {
	if r.DepartedAt == nil || r.ReturnedAt == nil {
		return 0
	}
	if loc == nil {
		loc = time.UTC
	}
	return DaysBetween(r.DepartedAt.In(loc), r.ReturnedAt.In(loc)) + 1
}

func (r *Rental) IsLate() bool {
	return r.DaysLate > 0
}

// AmountDue is the total after discount plus any late penalty.
func (r *Rental) AmountDue() decimal.Decimal {
	return r.TotalPrice.Sub(r.DiscountAmount).Add(r.PenaltyAmount)
}

// IsParty reports whether user is the client or the dealer of the rental.
func (r *Rental) IsParty(userID uint) bool {
	return r.ClientID == userID || r.DealerID == userID
}
