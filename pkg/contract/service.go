package contract

import (
	"context"
	"fmt"
	"time"

	"autoloc/pkg/models"
	"autoloc/pkg/rental"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("contract not found")
	// ErrNotContractable is returned for rentals that were never confirmed.
	ErrNotContractable = errors.New("a contract needs a confirmed rental")
	ErrCorrupted       = errors.New("stored contract does not match its checksum")
)

// Document is a stored contract with its content.
type Document struct {
	Contract models.Contract
	Content  []byte
}

func (d *Document) Filename() string {
	return d.Contract.Number + ".pdf"
}

type Service struct {
	db      *gorm.DB
	rentals *rental.Service
	storage Storage
	gen     *Generator
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithGenerator(g *Generator) Option {
	return func(s *Service) { s.gen = g }
}

func NewService(db *gorm.DB, rentals *rental.Service, storage Storage, opts ...Option) *Service {
	s := &Service{
		db:      db,
		rentals: rentals,
		storage: storage,
		gen:     NewGenerator(),
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func contractable(status models.RentalStatus) bool {
	switch status {
	case models.RentalConfirmed, models.RentalInProgress, models.RentalCompleted:
		return true
	}
	return false
}

// Generate renders the contract of a rental for its dealer and stores it,
// replacing any previous version.
func (s *Service) Generate(ctx context.Context, actor rental.Actor, rentalID uint) (*models.Contract, error) {
	r, err := s.rentals.Get(ctx, actor, rentalID)
	if err != nil {
		return nil, err
	}
	if actor.Role != rental.RoleDealer || actor.ID != r.DealerID {
		return nil, rental.ErrForbidden
	}
	if !contractable(r.Status) {
		return nil, errors.Wrapf(ErrNotContractable, "rental %d is %s", r.ID, r.Status)
	}

	v, err := s.rentals.Vehicle(ctx, r)
	if err != nil {
		return nil, err
	}
	d, err := s.rentals.Dealership(ctx, r)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = &models.Dealership{Name: fmt.Sprintf("Dealership #%d", r.DealershipID)}
	}

	now := s.now()
	number := NewNumber(now)
	doc, err := s.gen.Render(Data{
		Number:      number,
		GeneratedAt: now,
		Location:    s.rentals.Location(),
		Rental:      *r,
		Vehicle:     *v,
		Dealership:  *d,
	})
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("rentals/%d/%s.pdf", r.ID, number)
	if err := s.storage.Put(ctx, key, doc); err != nil {
		return nil, err
	}

	var (
		c      models.Contract
		oldKey string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("rental_id = ?", r.ID).First(&c).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c = models.Contract{RentalID: r.ID}
		case err != nil:
			return errors.Wrapf(err, "load contract of rental %d", r.ID)
		default:
			oldKey = c.StorageKey
		}
		c.Number = number
		c.StorageKey = key
		c.SHA256 = Hash(doc)
		c.Size = int64(len(doc))
		c.GeneratedAt = now
		return errors.Wrap(tx.Save(&c).Error, "save contract")
	})
	if err != nil {
		if derr := s.storage.Delete(ctx, key); derr != nil {
			s.log.Warn("failed to remove orphan contract", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}
	if oldKey != "" && oldKey != key {
		if err := s.storage.Delete(ctx, oldKey); err != nil {
			s.log.Warn("failed to remove replaced contract", zap.String("key", oldKey), zap.Error(err))
		}
	}

	s.log.Info("contract generated",
		zap.Uint("rental_id", r.ID),
		zap.String("number", c.Number),
		zap.Int64("size", c.Size),
	)
	return &c, nil
}

// Download returns the stored contract of a rental to one of its parties.
func (s *Service) Download(ctx context.Context, actor rental.Actor, rentalID uint) (*Document, error) {
	r, err := s.rentals.Get(ctx, actor, rentalID)
	if err != nil {
		return nil, err
	}

	var c models.Contract
	err = s.db.WithContext(ctx).Where("rental_id = ?", r.ID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "rental %d", r.ID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load contract of rental %d", r.ID)
	}

	content, err := s.storage.Get(ctx, c.StorageKey)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "rental %d", r.ID)
	}
	if err != nil {
		return nil, err
	}
	if Hash(content) != c.SHA256 {
		return nil, errors.Wrapf(ErrCorrupted, "contract %s", c.Number)
	}
	return &Document{Contract: c, Content: content}, nil
}
