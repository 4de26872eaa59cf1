package notification

import (
	"context"
	"fmt"
	"time"

	"autoloc/pkg/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("notification not found")

// Message is a notification waiting to be delivered to one user.
type Message struct {
	RecipientID uint
	Kind        models.NotificationKind
	Title       string
	Body        string
	Priority    models.NotificationPriority
	Link        string
	ActionText  string
	Data        models.NotificationData
}

// Dispatcher delivers messages without reporting back. Implementations
// must not fail the caller's operation.
type Dispatcher interface {
	Notify(ctx context.Context, msg Message)
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) {}

// Store keeps in-app notifications in the database.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log, now: time.Now}
}

func (s *Store) Notify(ctx context.Context, msg Message) {
	priority := msg.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	n := models.Notification{
		RecipientID: msg.RecipientID,
		Kind:        msg.Kind,
		Title:       msg.Title,
		Message:     msg.Body,
		Priority:    priority,
		Link:        msg.Link,
		ActionText:  msg.ActionText,
		Data:        msg.Data,
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		s.log.Error("failed to store notification",
			zap.Uint("recipient_id", msg.RecipientID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("notification stored",
		zap.Uint("id", n.ID),
		zap.Uint("recipient_id", n.RecipientID),
		zap.String("kind", string(n.Kind)),
	)
}

// List returns a page of the recipient's notifications, newest first, and
// the total matching count.
func (s *Store) List(ctx context.Context, recipientID uint, unreadOnly bool, page, size int) ([]models.Notification, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("recipient_id = ?", recipientID)
	if unreadOnly {
		query = query.Where("read = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count notifications")
	}

	var items []models.Notification
	err := query.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&items).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "list notifications")
	}
	return items, total, nil
}

func (s *Store) UnreadCount(ctx context.Context, recipientID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "count unread notifications")
	}
	return count, nil
}

// MarkRead flags one of the recipient's notifications as read.
func (s *Store) MarkRead(ctx context.Context, recipientID, id uint) (*models.Notification, error) {
	var n models.Notification
	err := s.db.WithContext(ctx).Where("id = ? AND recipient_id = ?", id, recipientID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load notification")
	}
	if n.Read {
		return &n, nil
	}

	now := s.now()
	err = s.db.WithContext(ctx).Model(&n).Updates(map[string]interface{}{"read": true, "read_at": now}).Error
	if err != nil {
		return nil, errors.Wrap(err, "mark notification read")
	}
	n.Read = true
	n.ReadAt = &now
	return &n, nil
}

// MarkAllRead flags every unread notification of the recipient and returns
// how many changed.
func (s *Store) MarkAllRead(ctx context.Context, recipientID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Updates(map[string]interface{}{"read": true, "read_at": s.now()})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "mark notifications read")
	}
	return res.RowsAffected, nil
}

// SentSince reports whether the recipient already got a notification of
// kind about the rental after since.
func (s *Store) SentSince(ctx context.Context, recipientID uint, kind models.NotificationKind, rentalID uint, since time.Time) (bool, error) {
	var items []models.Notification
	err := s.db.WithContext(ctx).
		Where("recipient_id = ? AND kind = ? AND created_at >= ?", recipientID, kind, since).
		Find(&items).Error
	if err != nil {
		return false, errors.Wrap(err, "look up notifications")
	}
	for _, n := range items {
		if n.Data.RentalID == rentalID {
			return true, nil
		}
	}
	return false, nil
}

func rentalLink(r *models.Rental) string {
	return fmt.Sprintf("/rentals/%d", r.ID)
}

func rentalData(r *models.Rental) models.NotificationData {
	return models.NotificationData{RentalID: r.ID, VehicleID: r.VehicleID}
}

func RentalRequested(r *models.Rental, vehicle string) Message {
	return Message{
		RecipientID: r.DealerID,
		Kind:        models.NotificationRentalRequested,
		Title:       "New rental request",
		Body:        fmt.Sprintf("A client requested %s from %s to %s", vehicle, models.FormatDate(r.StartDate), models.FormatDate(r.EndDate)),
		Priority:    models.PriorityHigh,
		Link:        rentalLink(r),
		ActionText:  "View request",
		Data:        rentalData(r),
	}
}

func RentalConfirmed(r *models.Rental, vehicle string) Message {
	return Message{
		RecipientID: r.ClientID,
		Kind:        models.NotificationRentalConfirmed,
		Title:       "Rental confirmed",
		Body:        fmt.Sprintf("Your rental request for %s has been confirmed", vehicle),
		Priority:    models.PriorityHigh,
		Link:        rentalLink(r),
		ActionText:  "View my rental",
		Data:        rentalData(r),
	}
}

func RentalRefused(r *models.Rental, vehicle string) Message {
	return Message{
		RecipientID: r.ClientID,
		Kind:        models.NotificationRentalRefused,
		Title:       "Rental refused",
		Body:        fmt.Sprintf("Your rental request for %s has been refused", vehicle),
		Priority:    models.PriorityNormal,
		Link:        rentalLink(r),
		ActionText:  "View details",
		Data:        rentalData(r),
	}
}

func RentalCancelled(r *models.Rental, vehicle string) Message {
	return Message{
		RecipientID: r.DealerID,
		Kind:        models.NotificationRentalCancelled,
		Title:       "Rental cancelled",
		Body:        fmt.Sprintf("The client cancelled the rental request for %s", vehicle),
		Priority:    models.PriorityNormal,
		Link:        rentalLink(r),
		Data:        rentalData(r),
	}
}

func RentalDeparted(r *models.Rental, vehicle string) Message {
	return Message{
		RecipientID: r.ClientID,
		Kind:        models.NotificationRentalDeparted,
		Title:       "Rental started",
		Body:        fmt.Sprintf("Enjoy %s. Please return it by %s", vehicle, models.FormatDate(r.EndDate)),
		Priority:    models.PriorityNormal,
		Link:        rentalLink(r),
		Data:        rentalData(r),
	}
}

func RentalReturned(r *models.Rental, vehicle string) Message {
	body := fmt.Sprintf("Your rental of %s is complete", vehicle)
	priority := models.PriorityNormal
	if r.DaysLate > 0 {
		body = fmt.Sprintf("%s. Returned %d day(s) late, penalty %s", body, r.DaysLate, r.PenaltyAmount.StringFixed(2))
		priority = models.PriorityHigh
	}
	data := rentalData(r)
	data.DaysLate = r.DaysLate
	return Message{
		RecipientID: r.ClientID,
		Kind:        models.NotificationRentalReturned,
		Title:       "Rental completed",
		Body:        body,
		Priority:    priority,
		Link:        rentalLink(r),
		ActionText:  "View summary",
		Data:        data,
	}
}

// RentalLate warns the client that the vehicle is past its end date.
func RentalLate(r *models.Rental, daysLate int) Message {
	data := rentalData(r)
	data.DaysLate = daysLate
	return Message{
		RecipientID: r.ClientID,
		Kind:        models.NotificationRentalLate,
		Title:       "Rental overdue",
		Body:        fmt.Sprintf("Your rental was due back on %s and is %d day(s) late", models.FormatDate(r.EndDate), daysLate),
		Priority:    models.PriorityUrgent,
		Link:        rentalLink(r),
		ActionText:  "View my rental",
		Data:        data,
	}
}
