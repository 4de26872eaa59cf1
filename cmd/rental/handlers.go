package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"autoloc/pkg/httpx"
	"autoloc/pkg/models"
	"autoloc/pkg/rental"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func timestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func rentalResponse(r *models.Rental) gin.H {
	return gin.H{
		"id":                 r.ID,
		"clientId":           r.ClientID,
		"vehicleId":          r.VehicleID,
		"dealerId":           r.DealerID,
		"dealershipId":       r.DealershipID,
		"status":             r.Status,
		"startDate":          models.FormatDate(r.StartDate),
		"endDate":            models.FormatDate(r.EndDate),
		"dayCount":           r.DayCount,
		"dailyRate":          money(r.DailyRate),
		"totalPrice":         money(r.TotalPrice),
		"deposit":            money(r.Deposit),
		"promotionCode":      r.PromotionCode,
		"discountAmount":     money(r.DiscountAmount),
		"amountDue":          money(r.AmountDue()),
		"departedAt":         timestamp(r.DepartedAt),
		"returnedAt":         timestamp(r.ReturnedAt),
		"departureMileage":   r.DepartureMileage,
		"returnMileage":      r.ReturnMileage,
		"kmDriven":           r.KmDriven(),
		"daysLate":           r.DaysLate,
		"penaltyRate":        money(r.PenaltyRate),
		"penaltyAmount":      money(r.PenaltyAmount),
		"late":               r.IsLate(),
		"clientNotes":        r.ClientNotes,
		"dealerNotes":        r.DealerNotes,
		"departureCondition": r.DepartureCondition,
		"returnCondition":    r.ReturnCondition,
		"createdAt":          r.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":          r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseDateField(errs rental.FieldErrors, field, value string) time.Time {
	d, err := models.ParseDate(value)
	if err != nil {
		errs[field] = "must be a date formatted YYYY-MM-DD"
	}
	return d
}

func createRental(c *gin.Context) {
	var request struct {
		VehicleID      uint             `json:"vehicleId" binding:"required"`
		StartDate      string           `json:"startDate" binding:"required"`
		EndDate        string           `json:"endDate" binding:"required"`
		Notes          string           `json:"notes"`
		PromotionCode  string           `json:"promotionCode"`
		DiscountAmount *decimal.Decimal `json:"discountAmount"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		httpx.BindError(c, err)
		return
	}

	errs := rental.FieldErrors{}
	req := rental.CreateRequest{
		VehicleID:     request.VehicleID,
		StartDate:     parseDateField(errs, "startDate", request.StartDate),
		EndDate:       parseDateField(errs, "endDate", request.EndDate),
		Notes:         request.Notes,
		PromotionCode: request.PromotionCode,
	}
	if len(errs) > 0 {
		httpx.RespondError(c, log, errs)
		return
	}
	if request.DiscountAmount != nil {
		req.DiscountAmount = *request.DiscountAmount
	}

	r, err := rentals.Create(c.Request.Context(), httpx.CurrentActor(c), req)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/api/v1/rentals/%d", r.ID))
	c.JSON(http.StatusCreated, rentalResponse(r))
}

func listRentals(c *gin.Context) {
	page, size := httpx.Pagination(c)
	filter := rental.ListFilter{Page: page, Size: size}
	if raw := c.Query("status"); raw != "" {
		status := models.RentalStatus(strings.ToUpper(raw))
		switch status {
		case models.RentalRequested, models.RentalConfirmed, models.RentalInProgress,
			models.RentalCompleted, models.RentalCancelled:
			filter.Status = status
		default:
			httpx.RespondError(c, log, rental.FieldErrors{"status": "unknown rental status"})
			return
		}
	}

	items, total, err := rentals.List(c.Request.Context(), httpx.CurrentActor(c), filter)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	out := make([]gin.H, len(items))
	for i := range items {
		out[i] = rentalResponse(&items[i])
	}
	c.JSON(http.StatusOK, httpx.Page{Page: page, PageSize: size, TotalElements: total, Items: out})
}

func getStatistics(c *gin.Context) {
	stats, err := rentals.Statistics(c.Request.Context(), httpx.CurrentActor(c))
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func getRental(c *gin.Context) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	r, err := rentals.Get(c.Request.Context(), httpx.CurrentActor(c), id)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, rentalResponse(r))
}

type transitionFunc func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error)

// transition wraps a lifecycle action into a handler answering with the
// updated rental.
func transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := httpx.ParamID(c, "id")
		if err != nil {
			httpx.RespondError(c, log, err)
			return
		}
		r, err := fn(c, httpx.CurrentActor(c), id)
		if err != nil {
			httpx.RespondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, rentalResponse(r))
	}
}

var confirmRental = transition(func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error) {
	return rentals.Confirm(c.Request.Context(), actor, id)
})

var refuseRental = transition(func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error) {
	return rentals.Refuse(c.Request.Context(), actor, id)
})

var cancelRental = transition(func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error) {
	return rentals.Cancel(c.Request.Context(), actor, id)
})

type mileageRequest struct {
	Mileage   *int   `json:"mileage" binding:"required"`
	Condition string `json:"condition"`
}

var recordDeparture = transition(func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error) {
	var request mileageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		return nil, rental.FieldErrors{"mileage": "mileage is required"}
	}
	return rentals.RecordDeparture(c.Request.Context(), actor, id, *request.Mileage, request.Condition)
})

var recordReturn = transition(func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error) {
	var request mileageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		return nil, rental.FieldErrors{"mileage": "mileage is required"}
	}
	return rentals.RecordReturn(c.Request.Context(), actor, id, *request.Mileage, request.Condition)
})

var updateDealerNotes = transition(func(c *gin.Context, actor rental.Actor, id uint) (*models.Rental, error) {
	var request struct {
		DealerNotes string `json:"dealerNotes"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		return nil, rental.FieldErrors{"dealerNotes": "dealer notes are required"}
	}
	return rentals.UpdateDealerNotes(c.Request.Context(), actor, id, request.DealerNotes)
})

func deleteRental(c *gin.Context) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	if err := rentals.Delete(c.Request.Context(), httpx.CurrentActor(c), id); err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func generateContract(c *gin.Context) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	ct, err := contracts.Generate(c.Request.Context(), httpx.CurrentActor(c), id)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"number":      ct.Number,
		"rentalId":    ct.RentalID,
		"sha256":      ct.SHA256,
		"size":        ct.Size,
		"generatedAt": ct.GeneratedAt.UTC().Format(time.RFC3339),
	})
}

func downloadContract(c *gin.Context) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	doc, err := contracts.Download(c.Request.Context(), httpx.CurrentActor(c), id)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, doc.Filename()))
	c.Header("X-Contract-SHA256", doc.Contract.SHA256)
	c.Data(http.StatusOK, "application/pdf", doc.Content)
}

func notificationResponse(n *models.Notification) gin.H {
	return gin.H{
		"id":         n.ID,
		"kind":       n.Kind,
		"title":      n.Title,
		"message":    n.Message,
		"priority":   n.Priority,
		"link":       n.Link,
		"actionText": n.ActionText,
		"data":       n.Data,
		"read":       n.Read,
		"readAt":     timestamp(n.ReadAt),
		"createdAt":  n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func listNotifications(c *gin.Context) {
	page, size := httpx.Pagination(c)
	unreadOnly := c.Query("unread") == "true"

	items, total, err := notifications.List(c.Request.Context(), httpx.CurrentActor(c).ID, unreadOnly, page, size)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	out := make([]gin.H, len(items))
	for i := range items {
		out[i] = notificationResponse(&items[i])
	}
	c.JSON(http.StatusOK, httpx.Page{Page: page, PageSize: size, TotalElements: total, Items: out})
}

func unreadNotificationsCount(c *gin.Context) {
	count, err := notifications.UnreadCount(c.Request.Context(), httpx.CurrentActor(c).ID)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func markNotificationRead(c *gin.Context) {
	id, err := httpx.ParamID(c, "id")
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	n, err := notifications.MarkRead(c.Request.Context(), httpx.CurrentActor(c).ID, id)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, notificationResponse(n))
}

func markAllNotificationsRead(c *gin.Context) {
	updated, err := notifications.MarkAllRead(c.Request.Context(), httpx.CurrentActor(c).ID)
	if err != nil {
		httpx.RespondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
