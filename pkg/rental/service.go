package rental

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autoloc/pkg/metrics"
	"autoloc/pkg/models"
	"autoloc/pkg/notification"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Role string

const (
	RoleClient Role = "CLIENT"
	RoleDealer Role = "DEALER"
	RoleAdmin  Role = "ADMIN"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleClient, RoleDealer, RoleAdmin:
		return r, true
	}
	return "", false
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   uint
	Role Role
}

const ActionDelete Action = "delete"

type Service struct {
	db          *gorm.DB
	notifier    notification.Dispatcher
	log         *zap.Logger
	loc         *time.Location
	penaltyRate decimal.Decimal
	now         func() time.Time
}

type Option func(*Service)

func WithNotifier(n notification.Dispatcher) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithLocation sets the time zone rental dates are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithPenaltyRate sets the late penalty percentage given to new rentals.
func WithPenaltyRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.penaltyRate = rate }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:          db,
		notifier:    notification.Nop{},
		log:         zap.NewNop(),
		loc:         time.UTC,
		penaltyRate: decimal.NewFromInt(50),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the time zone rental dates are expressed in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Today is the current calendar date in the rental time zone.
func (s *Service) Today() time.Time {
	return models.Date(s.now().In(s.loc))
}

type CreateRequest struct {
	VehicleID      uint
	StartDate      time.Time
	EndDate        time.Time
	Notes          string
	PromotionCode  string
	DiscountAmount decimal.Decimal
}

// Create stores a new rental request of a client. Pricing and deposit are
// copied from the vehicle at the time of the request.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*models.Rental, error) {
	if actor.Role != RoleClient {
		return nil, ErrForbidden
	}

	var (
		r       models.Rental
		vehicle *models.Vehicle
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		vehicle, err = findVehicle(tx, req.VehicleID)
		if err != nil {
			return err
		}

		var dealership *models.Dealership
		if vehicle != nil {
			r.DealerID = vehicle.DealerID
			r.DealershipID = vehicle.DealershipID
			r.DailyRate = vehicle.DailyRate.Decimal
			if vehicle.Deposit.Valid {
				r.Deposit = vehicle.Deposit.Decimal
			}
			dealership, err = findDealership(tx, vehicle.DealershipID)
			if err != nil {
				return err
			}
		}

		r.ClientID = actor.ID
		r.VehicleID = req.VehicleID
		r.StartDate = req.StartDate
		r.EndDate = req.EndDate
		r.ClientNotes = req.Notes
		r.PromotionCode = strings.ToUpper(strings.TrimSpace(req.PromotionCode))
		r.DiscountAmount = req.DiscountAmount
		r.PenaltyRate = s.penaltyRate
		r.Status = models.RentalRequested
		r.Reprice()

		if err := ValidateNew(&r, vehicle, dealership, s.Today()); err != nil {
			return err
		}
		if err := tx.Create(&r).Error; err != nil {
			return errors.Wrap(err, "create rental")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("rental requested",
		zap.Uint("rental_id", r.ID),
		zap.Uint("client_id", r.ClientID),
		zap.Uint("vehicle_id", r.VehicleID),
		zap.String("total", r.TotalPrice.String()),
	)
	s.notifier.Notify(ctx, notification.RentalRequested(&r, vehicleName(vehicle)))
	return &r, nil
}

type ListFilter struct {
	Status models.RentalStatus
	Page   int
	Size   int
}

// List returns the rentals visible to the actor, newest first.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]models.Rental, int64, error) {
	query := s.scope(s.db.WithContext(ctx).Model(&models.Rental{}), actor)
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count rentals")
	}

	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size < 1 {
		f.Size = 10
	}
	var items []models.Rental
	err := query.Order("created_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.Size).Limit(f.Size).
		Find(&items).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "list rentals")
	}
	return items, total, nil
}

// Get returns a rental to one of its parties or to an admin.
func (s *Service) Get(ctx context.Context, actor Actor, id uint) (*models.Rental, error) {
	var r models.Rental
	if err := loadRental(s.db.WithContext(ctx), id, &r, false); err != nil {
		return nil, err
	}
	if actor.Role != RoleAdmin && !r.IsParty(actor.ID) {
		return nil, ErrForbidden
	}
	return &r, nil
}

// Vehicle returns the vehicle a rental refers to.
func (s *Service) Vehicle(ctx context.Context, r *models.Rental) (*models.Vehicle, error) {
	v, err := findVehicle(s.db.WithContext(ctx), r.VehicleID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.Errorf("vehicle %d of rental %d is missing", r.VehicleID, r.ID)
	}
	return v, nil
}

// Dealership returns the dealership a rental was requested at, or nil.
func (s *Service) Dealership(ctx context.Context, r *models.Rental) (*models.Dealership, error) {
	return findDealership(s.db.WithContext(ctx), r.DealershipID)
}

func (s *Service) Confirm(ctx context.Context, actor Actor, id uint) (*models.Rental, error) {
	return s.run(ctx, actor, id, step{
		action:    ActionConfirm,
		authorize: isDealer,
		apply:     Confirm,
		validate:  Validate,
		notify:    notification.RentalConfirmed,
	})
}

func (s *Service) Refuse(ctx context.Context, actor Actor, id uint) (*models.Rental, error) {
	return s.run(ctx, actor, id, step{
		action:    ActionRefuse,
		authorize: isDealer,
		apply:     Refuse,
		validate:  releasing,
		notify:    notification.RentalRefused,
	})
}

// Cancel withdraws a request the client has not had confirmed yet.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uint) (*models.Rental, error) {
	return s.run(ctx, actor, id, step{
		action:    ActionCancel,
		authorize: isClient,
		apply:     Cancel,
		validate:  releasing,
		notify:    notification.RentalCancelled,
	})
}

// RecordDeparture hands the vehicle over to the client and marks it rented.
// The vehicle must be available, so it is never out with two rentals.
func (s *Service) RecordDeparture(ctx context.Context, actor Actor, id uint, mileage int, condition string) (*models.Rental, error) {
	return s.run(ctx, actor, id, step{
		action:    ActionDeparture,
		authorize: isDealer,
		apply: func(r *models.Rental) error {
			return Depart(r, mileage, condition, s.now())
		},
		validate: ValidateDeparture,
		columns:  []string{"departed_at", "departure_mileage", "departure_condition"},
		vehicle: func(tx *gorm.DB, r *models.Rental) error {
			return updateVehicle(tx, r.VehicleID, map[string]interface{}{
				"status": models.VehicleRented,
			})
		},
		notify: notification.RentalDeparted,
	})
}

// RecordReturn closes the rental, settles the late penalty and releases the
// vehicle with its new mileage.
func (s *Service) RecordReturn(ctx context.Context, actor Actor, id uint, mileage int, condition string) (*models.Rental, error) {
	return s.run(ctx, actor, id, step{
		action:    ActionReturn,
		authorize: isDealer,
		apply: func(r *models.Rental) error {
			return Return(r, mileage, condition, s.now(), s.loc)
		},
		validate: releasing,
		columns:  []string{"returned_at", "return_mileage", "return_condition", "days_late", "penalty_amount"},
		vehicle: func(tx *gorm.DB, r *models.Rental) error {
			return updateVehicle(tx, r.VehicleID, map[string]interface{}{
				"status":       models.VehicleAvailable,
				"mileage":      *r.ReturnMileage,
				"rental_count": gorm.Expr("rental_count + ?", 1),
			})
		},
		notify: notification.RentalReturned,
	})
}

// UpdateDealerNotes replaces the dealer's private notes on a rental.
func (s *Service) UpdateDealerNotes(ctx context.Context, actor Actor, id uint, notes string) (*models.Rental, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, FieldErrors{"dealerNotes": "notes cannot be blank"}
	}

	var r models.Rental
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadRental(tx, id, &r, true); err != nil {
			return err
		}
		if !isDealer(actor, &r) {
			return ErrForbidden
		}
		r.DealerNotes = notes
		if err := Validate(&r, nil); err != nil {
			return err
		}
		return persist(tx, &r, r.Status, "dealer_notes")
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Delete removes a request that is still waiting for the dealer. Only its
// client may delete it.
func (s *Service) Delete(ctx context.Context, actor Actor, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.Rental
		if err := loadRental(tx, id, &r, true); err != nil {
			return err
		}
		if !isClient(actor, &r) {
			return ErrForbidden
		}
		if r.Status != models.RentalRequested {
			return &TransitionError{Action: ActionDelete, From: r.Status}
		}
		res := tx.Where("id = ? AND status = ?", r.ID, models.RentalRequested).Delete(&models.Rental{})
		if res.Error != nil {
			return errors.Wrap(res.Error, "delete rental")
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	metrics.ObserveTransition(string(ActionDelete), err)
	if err != nil {
		return err
	}
	s.log.Info("rental deleted", zap.Uint("rental_id", id), zap.Uint("client_id", actor.ID))
	return nil
}

type Statistics struct {
	Total      int64                         `json:"total"`
	ByStatus   map[models.RentalStatus]int64 `json:"byStatus"`
	Revenue    *decimal.Decimal              `json:"revenue,omitempty"`
	Penalties  *decimal.Decimal              `json:"penalties,omitempty"`
	LateCount  *int64                        `json:"lateCount,omitempty"`
	AmountDue  *decimal.Decimal              `json:"amountDue,omitempty"`
	Discounted *decimal.Decimal              `json:"discounted,omitempty"`
}

// Statistics counts the actor's rentals per status. Dealers also get the
// figures of their completed rentals.
func (s *Service) Statistics(ctx context.Context, actor Actor) (*Statistics, error) {
	var rows []struct {
		Status models.RentalStatus
		Count  int64
	}
	err := s.scope(s.db.WithContext(ctx).Model(&models.Rental{}), actor).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count rentals by status")
	}

	stats := &Statistics{ByStatus: map[models.RentalStatus]int64{
		models.RentalRequested:  0,
		models.RentalConfirmed:  0,
		models.RentalInProgress: 0,
		models.RentalCompleted:  0,
		models.RentalCancelled:  0,
	}}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	if actor.Role != RoleDealer {
		return stats, nil
	}

	var completed []models.Rental
	err = s.scope(s.db.WithContext(ctx), actor).
		Where("status = ?", models.RentalCompleted).
		Find(&completed).Error
	if err != nil {
		return nil, errors.Wrap(err, "load completed rentals")
	}

	revenue, penalties, due, discounted := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	var late int64
	for i := range completed {
		r := &completed[i]
		revenue = revenue.Add(r.TotalPrice)
		penalties = penalties.Add(r.PenaltyAmount)
		discounted = discounted.Add(r.DiscountAmount)
		due = due.Add(r.AmountDue())
		if r.IsLate() {
			late++
		}
	}
	stats.Revenue = &revenue
	stats.Penalties = &penalties
	stats.AmountDue = &due
	stats.Discounted = &discounted
	stats.LateCount = &late
	return stats, nil
}

// Overdue returns the rentals still out after their end date as of today.
func (s *Service) Overdue(ctx context.Context) ([]models.Rental, error) {
	var items []models.Rental
	err := s.db.WithContext(ctx).
		Where("status = ? AND end_date < ?", models.RentalInProgress, s.Today()).
		Order("end_date").
		Find(&items).Error
	if err != nil {
		return nil, errors.Wrap(err, "list overdue rentals")
	}
	return items, nil
}

func (s *Service) scope(query *gorm.DB, actor Actor) *gorm.DB {
	switch actor.Role {
	case RoleClient:
		return query.Where("client_id = ?", actor.ID)
	case RoleDealer:
		return query.Where("dealer_id = ?", actor.ID)
	case RoleAdmin:
		return query
	}
	return query.Where("1 = 0")
}

type step struct {
	action    Action
	authorize func(Actor, *models.Rental) bool
	apply     func(*models.Rental) error
	validate  func(*models.Rental, *models.Vehicle) error
	columns   []string
	vehicle   func(*gorm.DB, *models.Rental) error
	notify    func(*models.Rental, string) notification.Message
}

// releasing validates actions that end the client's use of the vehicle; they
// must succeed even if the dealer withdrew the vehicle meanwhile.
func releasing(r *models.Rental, _ *models.Vehicle) error {
	return Validate(r, nil)
}

// run applies one lifecycle action to a rental and its vehicle in a single
// transaction, then notifies the other party.
func (s *Service) run(ctx context.Context, actor Actor, id uint, st step) (*models.Rental, error) {
	var (
		r       models.Rental
		vehicle *models.Vehicle
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadRental(tx, id, &r, true); err != nil {
			return err
		}
		if !st.authorize(actor, &r) {
			return ErrForbidden
		}

		var err error
		if vehicle, err = findVehicle(tx, r.VehicleID); err != nil {
			return err
		}

		prev := r.Status
		if err := st.apply(&r); err != nil {
			return err
		}
		if err := st.validate(&r, vehicle); err != nil {
			return err
		}
		if err := persist(tx, &r, prev, st.columns...); err != nil {
			return err
		}
		if st.vehicle != nil {
			return st.vehicle(tx, &r)
		}
		return nil
	})
	metrics.ObserveTransition(string(st.action), err)
	if err != nil {
		s.log.Debug("rental transition rejected",
			zap.Uint("rental_id", id),
			zap.String("action", string(st.action)),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("rental transition",
		zap.Uint("rental_id", r.ID),
		zap.String("action", string(st.action)),
		zap.String("status", string(r.Status)),
		zap.Uint("actor_id", actor.ID),
	)
	if st.notify != nil {
		s.notifier.Notify(ctx, st.notify(&r, vehicleName(vehicle)))
	}
	return &r, nil
}

// persist writes the given columns of r, with status and pricing, only if
// the stored status is still prev.
func persist(tx *gorm.DB, r *models.Rental, prev models.RentalStatus, columns ...string) error {
	cols := append([]string{"status", "day_count", "total_price", "updated_at"}, columns...)
	res := tx.Model(r).Where("status = ?", prev).Select(cols).Updates(r)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update rental %d", r.ID)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func loadRental(tx *gorm.DB, id uint, r *models.Rental, lock bool) error {
	if lock {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := tx.First(r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, "rental %d", id)
	}
	if err != nil {
		return errors.Wrapf(err, "load rental %d", id)
	}
	return nil
}

func findVehicle(tx *gorm.DB, id uint) (*models.Vehicle, error) {
	var v models.Vehicle
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load vehicle %d", id)
	}
	return &v, nil
}

func findDealership(tx *gorm.DB, id uint) (*models.Dealership, error) {
	var d models.Dealership
	err := tx.First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load dealership %d", id)
	}
	return &d, nil
}

func updateVehicle(tx *gorm.DB, id uint, fields map[string]interface{}) error {
	res := tx.Model(&models.Vehicle{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update vehicle %d", id)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("vehicle %d not found", id)
	}
	return nil
}

func isDealer(a Actor, r *models.Rental) bool {
	return a.Role == RoleDealer && a.ID == r.DealerID
}

func isClient(a Actor, r *models.Rental) bool {
	return a.Role == RoleClient && a.ID == r.ClientID
}

func vehicleName(v *models.Vehicle) string {
	if v == nil {
		return "the vehicle"
	}
	return fmt.Sprintf("%s %s (%s)", v.Make, v.Model, v.Plate)
}
