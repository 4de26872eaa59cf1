package promotion

import (
	"context"
	"strings"
	"time"

	"autoloc/pkg/models"
	"autoloc/pkg/rental"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound  = errors.New("promotion not found")
	ErrForbidden = errors.New("promotion belongs to another dealer")
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
	loc *time.Location
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the time zone promotion dates are expressed in. It must
// match the one rental dates use.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{db: db, log: zap.NewNop(), now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today is the current calendar date in the promotion time zone.
func (s *Service) Today() time.Time {
	return models.Date(s.now().In(s.loc))
}

type CreateRequest struct {
	DealerID        uint
	DealershipID    *uint
	Name            string
	Description     string
	Code            string
	Kind            models.PromotionKind
	Value           decimal.Decimal
	StartsOn        time.Time
	EndsOn          time.Time
	MaxUses         *int
	UsesPerClient   int
	MinimumAmount   decimal.NullDecimal
	MaxDiscount     decimal.NullDecimal
	VehicleIDs      []uint
	Categories      []string
	TargetClientIDs []uint
	Stackable       bool
	Visible         bool
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (req CreateRequest) validate() rental.FieldErrors {
	errs := rental.FieldErrors{}
	if strings.TrimSpace(req.Name) == "" {
		errs["name"] = "name is required"
	}
	if NormalizeCode(req.Code) == "" {
		errs["code"] = "code is required"
	}
	switch req.Kind {
	case models.PromotionPercentage:
		if req.Value.GreaterThan(decimal.NewFromInt(100)) {
			errs["value"] = "a percentage cannot exceed 100"
		}
	case models.PromotionFixedAmount:
	default:
		errs["kind"] = "kind must be PERCENTAGE or FIXED_AMOUNT"
	}
	if !req.Value.IsPositive() {
		errs["value"] = "value must be positive"
	}
	if models.DaysBetween(req.StartsOn, req.EndsOn) < 0 {
		errs["endsOn"] = "end date must not be before start date"
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		errs["maxUses"] = "max uses must be at least 1"
	}
	if req.UsesPerClient < 0 {
		errs["usesPerClient"] = "uses per client must be at least 1"
	}
	if req.MaxDiscount.Valid && !req.MaxDiscount.Decimal.IsPositive() {
		errs["maxDiscount"] = "max discount must be positive"
	}
	if req.MinimumAmount.Valid && req.MinimumAmount.Decimal.IsNegative() {
		errs["minimumAmount"] = "minimum amount must not be negative"
	}
	return errs
}

// Create stores a new promotion of a dealer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Promotion, error) {
	if errs := req.validate(); len(errs) > 0 {
		return nil, errs
	}

	p := models.Promotion{
		DealerID:        req.DealerID,
		DealershipID:    req.DealershipID,
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		Code:            NormalizeCode(req.Code),
		Kind:            req.Kind,
		Value:           req.Value,
		StartsOn:        models.Date(req.StartsOn),
		EndsOn:          models.Date(req.EndsOn),
		Status:          models.PromotionActive,
		MaxUses:         req.MaxUses,
		UsesPerClient:   req.UsesPerClient,
		MinimumAmount:   req.MinimumAmount,
		MaxDiscount:     req.MaxDiscount,
		VehicleIDs:      req.VehicleIDs,
		Categories:      req.Categories,
		TargetClientIDs: req.TargetClientIDs,
		Stackable:       req.Stackable,
		Visible:         req.Visible,
	}
	if p.UsesPerClient == 0 {
		p.UsesPerClient = 1
	}
	RefreshStatus(&p, s.Today())

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Promotion{}).Where("code = ?", p.Code).Count(&count).Error; err != nil {
			return errors.Wrap(err, "check promotion code")
		}
		if count > 0 {
			return rental.FieldErrors{"code": "code already in use"}
		}
		return errors.Wrap(tx.Create(&p).Error, "create promotion")
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("promotion created",
		zap.Uint("promotion_id", p.ID),
		zap.String("code", p.Code),
		zap.Uint("dealer_id", p.DealerID),
	)
	return &p, nil
}

type ListFilter struct {
	DealerID     uint
	DealershipID uint
}

// ListAvailable returns the visible promotions usable today.
func (s *Service) ListAvailable(ctx context.Context, f ListFilter) ([]models.Promotion, error) {
	today := s.Today()
	query := s.db.WithContext(ctx).
		Where("visible = ? AND status = ?", true, models.PromotionActive).
		Where("starts_on <= ? AND ends_on >= ?", today, today)
	if f.DealerID != 0 {
		query = query.Where("dealer_id = ?", f.DealerID)
	}
	if f.DealershipID != 0 {
		query = query.Where("(dealership_id IS NULL OR dealership_id = ?)", f.DealershipID)
	}

	var found []models.Promotion
	if err := query.Order("ends_on").Find(&found).Error; err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}

	items := found[:0]
	for _, p := range found {
		if IsValid(&p, today) {
			items = append(items, p)
		}
	}
	return items, nil
}

// Get loads a promotion by id.
func (s *Service) Get(ctx context.Context, id uint) (*models.Promotion, error) {
	var p models.Promotion
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load promotion %d", id)
	}
	return &p, nil
}

// Deactivate switches a promotion off for good. Only its dealer may do so.
func (s *Service) Deactivate(ctx context.Context, dealerID, id uint) (*models.Promotion, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DealerID != dealerID {
		return nil, ErrForbidden
	}
	if err := s.db.WithContext(ctx).Model(p).Update("status", models.PromotionInactive).Error; err != nil {
		return nil, errors.Wrapf(err, "deactivate promotion %d", id)
	}
	p.Status = models.PromotionInactive
	s.log.Info("promotion deactivated", zap.Uint("promotion_id", p.ID), zap.Uint("dealer_id", dealerID))
	return p, nil
}

type QuoteRequest struct {
	Code     string
	ClientID uint
	Vehicle  VehicleRef
	Amount   decimal.Decimal
}

type Quote struct {
	PromotionID uint            `json:"promotionId"`
	Code        string          `json:"code"`
	Amount      decimal.Decimal `json:"amount"`
	Discount    decimal.Decimal `json:"discount"`
	FinalAmount decimal.Decimal `json:"finalAmount"`
}

// Quote computes the discount a client would get on amount for a vehicle
// without recording anything.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var q *Quote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.byCode(tx, req.Code, false)
		if err != nil {
			return err
		}
		q, err = s.quote(tx, p, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

type ApplyRequest struct {
	QuoteRequest
	RentalID *uint
}

// Apply records the use of a promotion by a client and bumps its counter.
// Applying again for the same rental returns the existing usage.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*models.PromotionUsage, error) {
	var usage models.PromotionUsage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.byCode(tx, req.Code, true)
		if err != nil {
			return err
		}

		if req.RentalID != nil {
			err := tx.Where("promotion_id = ? AND client_id = ? AND rental_id = ?", p.ID, req.ClientID, *req.RentalID).
				First(&usage).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrap(err, "look up promotion usage")
			}
		}

		q, err := s.quote(tx, p, req.QuoteRequest)
		if err != nil {
			return err
		}

		res := tx.Model(&models.Promotion{}).
			Where("id = ? AND (max_uses IS NULL OR use_count < max_uses)", p.ID).
			UpdateColumn("use_count", gorm.Expr("use_count + ?", 1))
		if res.Error != nil {
			return errors.Wrap(res.Error, "count promotion use")
		}
		if res.RowsAffected == 0 {
			return ineligible(p, "usage limit reached")
		}

		usage = models.PromotionUsage{
			PromotionID:    p.ID,
			ClientID:       req.ClientID,
			RentalID:       req.RentalID,
			DiscountAmount: q.Discount,
		}
		return errors.Wrap(tx.Create(&usage).Error, "record promotion usage")
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("promotion applied",
		zap.Uint("promotion_id", usage.PromotionID),
		zap.Uint("client_id", usage.ClientID),
		zap.String("discount", usage.DiscountAmount.String()),
	)
	return &usage, nil
}

// RefreshAll brings every stored promotion status in line with today's
// date and returns how many changed.
func (s *Service) RefreshAll(ctx context.Context) (int64, error) {
	today := s.Today()
	db := s.db.WithContext(ctx)

	expired := db.Model(&models.Promotion{}).
		Where("status <> ? AND status <> ? AND ends_on < ?", models.PromotionInactive, models.PromotionExpired, today).
		Update("status", models.PromotionExpired)
	if expired.Error != nil {
		return 0, errors.Wrap(expired.Error, "expire promotions")
	}

	started := db.Model(&models.Promotion{}).
		Where("status <> ? AND status <> ? AND starts_on <= ? AND ends_on >= ?",
			models.PromotionInactive, models.PromotionActive, today, today).
		Update("status", models.PromotionActive)
	if started.Error != nil {
		return 0, errors.Wrap(started.Error, "activate promotions")
	}
	return expired.RowsAffected + started.RowsAffected, nil
}

func (s *Service) byCode(tx *gorm.DB, code string, lock bool) (*models.Promotion, error) {
	code = NormalizeCode(code)
	if lock {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p models.Promotion
	err := tx.Where("code = ?", code).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &IneligibleError{Code: code, Reason: "unknown code"}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load promotion %s", code)
	}
	return &p, nil
}

func (s *Service) quote(tx *gorm.DB, p *models.Promotion, req QuoteRequest) (*Quote, error) {
	today := s.Today()
	RefreshStatus(p, today)

	var used int64
	err := tx.Model(&models.PromotionUsage{}).
		Where("promotion_id = ? AND client_id = ?", p.ID, req.ClientID).
		Count(&used).Error
	if err != nil {
		return nil, errors.Wrap(err, "count client usages")
	}
	if err := CheckClient(p, req.ClientID, used, today); err != nil {
		return nil, err
	}
	if !AppliesTo(p, req.Vehicle) {
		return nil, ineligible(p, "promotion does not cover this vehicle")
	}
	discount, err := Discount(p, req.Amount)
	if err != nil {
		return nil, err
	}
	return &Quote{
		PromotionID: p.ID,
		Code:        p.Code,
		Amount:      req.Amount,
		Discount:    discount,
		FinalAmount: req.Amount.Sub(discount),
	}, nil
}
