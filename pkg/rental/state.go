package rental

import (
	"time"

	"autoloc/pkg/models"

	"github.com/shopspring/decimal"
)

// Action names a lifecycle step of a rental.
type Action string

const (
	ActionConfirm   Action = "confirm"
	ActionRefuse    Action = "refuse"
	ActionCancel    Action = "cancel"
	ActionDeparture Action = "departure"
	ActionReturn    Action = "return"
)

type edge struct {
	from models.RentalStatus
	to   models.RentalStatus
}

var transitions = map[Action]edge{
	ActionConfirm:   {models.RentalRequested, models.RentalConfirmed},
	ActionRefuse:    {models.RentalRequested, models.RentalCancelled},
	ActionCancel:    {models.RentalRequested, models.RentalCancelled},
	ActionDeparture: {models.RentalConfirmed, models.RentalInProgress},
	ActionReturn:    {models.RentalInProgress, models.RentalCompleted},
}

// Next returns the status reached by applying action to a rental in status
// from.
func Next(from models.RentalStatus, action Action) (models.RentalStatus, error) {
	e, ok := transitions[action]
	if !ok || e.from != from {
		return from, &TransitionError{Action: action, From: from}
	}
	return e.to, nil
}

func move(r *models.Rental, action Action) error {
	to, err := Next(r.Status, action)
	if err != nil {
		return err
	}
	r.Status = to
	return nil
}

// Confirm accepts a requested rental.
func Confirm(r *models.Rental) error { return move(r, ActionConfirm) }

// Refuse turns down a requested rental on behalf of the dealer.
func Refuse(r *models.Rental) error { return move(r, ActionRefuse) }

// Cancel withdraws a requested rental on behalf of the client.
func Cancel(r *models.Rental) error { return move(r, ActionCancel) }

// Depart records the vehicle leaving with the given odometer reading.
func Depart(r *models.Rental, mileage int, condition string, at time.Time) error {
	to, err := Next(r.Status, ActionDeparture)
	if err != nil {
		return err
	}
	if mileage < 0 {
		return FieldErrors{"mileage": "mileage must not be negative"}
	}

	r.Status = to
	r.DepartureMileage = &mileage
	r.DepartureCondition = condition
	r.DepartedAt = &at
	return nil
}

// Return records the vehicle coming back and settles the late penalty. The
// penalty is evaluated in loc, the time zone the rental dates belong to.
func Return(r *models.Rental, mileage int, condition string, at time.Time, loc *time.Location) error {
	to, err := Next(r.Status, ActionReturn)
	if err != nil {
		return err
	}
	if mileage < 0 {
		return FieldErrors{"mileage": "mileage must not be negative"}
	}
	if r.DepartureMileage != nil && mileage < *r.DepartureMileage {
		return FieldErrors{"mileage": "return mileage cannot be lower than departure mileage"}
	}

	r.Status = to
	r.ReturnMileage = &mileage
	r.ReturnCondition = condition
	r.ReturnedAt = &at
	r.DaysLate, r.PenaltyAmount = ComputePenalty(r.EndDate, at, r.DailyRate, r.PenaltyRate, loc)
	return nil
}

// ComputePenalty charges penaltyRate percent of the daily rate for every
// calendar day between the scheduled end date and the day of return in loc.
// A return on or before the end date costs nothing.
func ComputePenalty(endDate, returnedAt time.Time, dailyRate, penaltyRate decimal.Decimal, loc *time.Location) (int, decimal.Decimal) {
	if loc == nil {
		loc = time.UTC
	}
	daysLate := models.DaysBetween(endDate, returnedAt.In(loc))
	if daysLate <= 0 {
		return 0, decimal.Zero
	}
	perDay := dailyRate.Mul(penaltyRate).Div(decimal.NewFromInt(100))
	return daysLate, perDay.Mul(decimal.NewFromInt(int64(daysLate)))
}
