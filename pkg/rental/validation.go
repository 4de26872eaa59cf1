package rental

import (
	"time"

	"autoloc/pkg/models"
)

// Validate checks the rules every write of a rental must satisfy. The
// vehicle rule is skipped when v is nil.
func Validate(r *models.Rental, v *models.Vehicle) error {
	errs := check(r)
	if v != nil && !v.ForRent {
		errs["vehicleId"] = "vehicle is not offered for rent"
	}
	return errs.orNil()
}

// ValidateNew checks a rental request before it is first stored. today is
// the current calendar date in the rental time zone.
func ValidateNew(r *models.Rental, v *models.Vehicle, d *models.Dealership, today time.Time) error {
	errs := check(r)

	if models.DaysBetween(today, r.StartDate) < 0 {
		errs["startDate"] = "start date cannot be in the past"
	}

	switch {
	case v == nil:
		errs["vehicleId"] = "vehicle does not exist"
	case !v.ForRent:
		errs["vehicleId"] = "vehicle is not offered for rent"
	case v.Status != models.VehicleAvailable:
		errs["vehicleId"] = "vehicle is not available"
	case !v.DailyRate.Valid:
		errs["vehicleId"] = "vehicle has no daily rate"
	case d == nil || d.Status != models.DealershipValidated:
		errs["vehicleId"] = "dealership is not validated"
	}

	switch {
	case r.DiscountAmount.IsNegative():
		errs["discountAmount"] = "discount cannot be negative"
	case r.DiscountAmount.GreaterThan(r.TotalPrice):
		errs["discountAmount"] = "discount cannot exceed the total price"
	case !r.DiscountAmount.IsZero() && r.PromotionCode == "":
		errs["discountAmount"] = "discount requires a promotion code"
	}
	return errs.orNil()
}

// ValidateDeparture checks that the vehicle can be handed over: it must be
// offered for rent and not already out with another rental.
func ValidateDeparture(r *models.Rental, v *models.Vehicle) error {
	errs := check(r)
	switch {
	case v == nil:
		errs["vehicleId"] = "vehicle does not exist"
	case !v.ForRent:
		errs["vehicleId"] = "vehicle is not offered for rent"
	case v.Status != models.VehicleAvailable:
		errs["vehicleId"] = "vehicle is not available"
	}
	return errs.orNil()
}

func check(r *models.Rental) FieldErrors {
	errs := FieldErrors{}
	if models.DaysBetween(r.StartDate, r.EndDate) <= 0 {
		errs["endDate"] = "end date must be after start date"
	}
	if r.DepartureMileage != nil && *r.DepartureMileage < 0 {
		errs["departureMileage"] = "mileage must not be negative"
	}
	if r.ReturnMileage != nil && r.DepartureMileage != nil && *r.ReturnMileage < *r.DepartureMileage {
		errs["returnMileage"] = "return mileage cannot be lower than departure mileage"
	}
	return errs
}
