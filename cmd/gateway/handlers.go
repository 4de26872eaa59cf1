package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"autoloc/pkg/httpx"
	"autoloc/pkg/models"
	"autoloc/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	rentalsPath = "/api/v1/rentals"
	quotePath   = "/api/v1/promotions/quote"
	applyPath   = "/api/v1/promotions/apply"
)

// enrich attaches the fleet view of the rented vehicle to a rental item.
// seen memoizes lookups across one listing.
func enrich(ctx context.Context, item map[string]interface{}, seen map[uint]*vehicleView) {
	raw, _ := item["vehicleId"].(float64)
	id := uint(raw)
	v, done := seen[id]
	if !done {
		var err error
		v, err = fetchVehicle(ctx, id)
		if err != nil {
			log.Warn("vehicle lookup failed", zap.Uint("vehicle_id", id), zap.Error(err))
		}
		seen[id] = v
	}
	if v == nil {
		item["vehicle"] = nil
		return
	}
	item["vehicle"] = v.summary()
}

func listRentals(c *gin.Context) {
	resp, ok := relay(c, rentalsAPI)
	if !ok {
		return
	}
	if resp.StatusCode() != http.StatusOK {
		writeResponse(c, resp)
		return
	}

	var page struct {
		Page          int                      `json:"page"`
		PageSize      int                      `json:"pageSize"`
		TotalElements int64                    `json:"totalElements"`
		Items         []map[string]interface{} `json:"items"`
	}
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		log.Warn("rental listing not decodable", zap.Error(err))
		writeResponse(c, resp)
		return
	}
	seen := map[uint]*vehicleView{}
	for _, item := range page.Items {
		enrich(c.Request.Context(), item, seen)
	}
	c.JSON(http.StatusOK, httpx.Page{
		Page:          page.Page,
		PageSize:      page.PageSize,
		TotalElements: page.TotalElements,
		Items:         page.Items,
	})
}

func getRental(c *gin.Context) {
	resp, ok := relay(c, rentalsAPI)
	if !ok {
		return
	}
	var item map[string]interface{}
	if resp.StatusCode() != http.StatusOK || json.Unmarshal(resp.Body(), &item) != nil {
		writeResponse(c, resp)
		return
	}
	enrich(c.Request.Context(), item, map[uint]*vehicleView{})
	c.JSON(http.StatusOK, item)
}

// rentalAction relays a lifecycle action. Actions move the vehicle status,
// so its cached copy is dropped.
func rentalAction(c *gin.Context) {
	resp, ok := relay(c, rentalsAPI)
	if !ok {
		return
	}
	if resp.IsSuccess() {
		forgetVehicle(c.Request.Context(), resp.Body(), "vehicleId")
	}
	writeResponse(c, resp)
}

func updateVehicle(c *gin.Context) {
	resp, ok := relay(c, fleet)
	if !ok {
		return
	}
	if resp.IsSuccess() {
		forgetVehicle(c.Request.Context(), resp.Body(), "id")
	}
	writeResponse(c, resp)
}

type rentalRequest struct {
	VehicleID     uint   `json:"vehicleId"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	Notes         string `json:"notes,omitempty"`
	PromotionCode string `json:"promotionCode,omitempty"`
}

// createRental books a vehicle. With a promotion code the discount is quoted
// first, the rental is created with it and the usage is recorded afterwards.
// If the usage is refused the rental is deleted again.
func createRental(c *gin.Context) {
	ctx := c.Request.Context()
	raw, err := c.GetRawData()
	if err != nil {
		httpx.BindError(c, err)
		return
	}
	var request rentalRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		httpx.BindError(c, err)
		return
	}

	headers := httpx.ActorHeaders(httpx.CurrentActor(c))
	headers["Content-Type"] = "application/json"
	passthrough := func() {
		body, err := withoutDiscount(raw)
		if err != nil {
			httpx.BindError(c, err)
			return
		}
		resp, err := rentalsAPI.send(ctx, call{method: http.MethodPost, path: rentalsPath, headers: headers, body: body})
		if err != nil {
			unavailable(c, rentalsAPI, err)
			return
		}
		writeResponse(c, resp)
	}

	if strings.TrimSpace(request.PromotionCode) == "" {
		passthrough()
		return
	}

	vehicle, err := fetchVehicle(ctx, request.VehicleID)
	if errors.Is(err, errVehicleNotFound) {
		passthrough()
		return
	}
	if err != nil {
		unavailable(c, fleet, err)
		return
	}
	start, startErr := models.ParseDate(request.StartDate)
	end, endErr := models.ParseDate(request.EndDate)
	if startErr != nil || endErr != nil || vehicle.DailyRate == nil || models.DaysBetween(start, end) < 0 {
		passthrough()
		return
	}
	_, amount := models.Price(start, end, *vehicle.DailyRate)

	quoteBody := map[string]interface{}{
		"code": request.PromotionCode,
		"vehicle": map[string]interface{}{
			"id":           vehicle.ID,
			"dealerId":     vehicle.DealerID,
			"dealershipId": vehicle.DealershipID,
			"category":     vehicle.Category,
		},
		"amount": amount,
	}
	resp, err := promotionsAPI.send(ctx, call{method: http.MethodPost, path: quotePath, headers: headers, body: quoteBody})
	if err != nil {
		unavailable(c, promotionsAPI, err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		writeResponse(c, resp)
		return
	}
	var quote struct {
		Code     string          `json:"code"`
		Discount decimal.Decimal `json:"discount"`
	}
	if err := json.Unmarshal(resp.Body(), &quote); err != nil {
		log.Error("promotion quote not decodable", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"message": promotionsAPI.fallbackMessage()})
		return
	}

	resp, err = rentalsAPI.send(ctx, call{method: http.MethodPost, path: rentalsPath, headers: headers, body: map[string]interface{}{
		"vehicleId":      request.VehicleID,
		"startDate":      request.StartDate,
		"endDate":        request.EndDate,
		"notes":          request.Notes,
		"promotionCode":  quote.Code,
		"discountAmount": quote.Discount,
	}})
	if err != nil {
		unavailable(c, rentalsAPI, err)
		return
	}
	if resp.StatusCode() != http.StatusCreated {
		writeResponse(c, resp)
		return
	}

	var created struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &created); err == nil && created.ID != 0 {
		quoteBody["rentalId"] = created.ID
		if rejected := recordUsage(ctx, headers, quoteBody); rejected != nil {
			withdrawRental(ctx, headers, created.ID)
			writeResponse(c, rejected)
			return
		}
	}
	writeResponse(c, resp)
}

// withoutDiscount drops any client supplied discount from a rental request.
// Discounts only come from a promotion quote.
func withoutDiscount(raw []byte) ([]byte, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	if _, ok := body["discountAmount"]; !ok {
		return raw, nil
	}
	delete(body, "discountAmount")
	return json.Marshal(body)
}

// recordUsage tells the promotion service a code was spent. When the service
// cannot take it now the call is queued for redelivery. A refusal is
// returned so the caller can undo the discounted rental.
func recordUsage(ctx context.Context, headers map[string]string, body map[string]interface{}) *resty.Response {
	resp, err := promotionsAPI.send(ctx, call{method: http.MethodPost, path: applyPath, headers: headers, body: body})
	if err == nil && resp.StatusCode() < http.StatusInternalServerError {
		if resp.IsSuccess() {
			return nil
		}
		log.Warn("promotion usage rejected",
			zap.Int("status", resp.StatusCode()),
			zap.ByteString("body", resp.Body()),
		)
		return resp
	}

	payload, merr := json.Marshal(body)
	if merr != nil {
		log.Error("promotion usage not encodable", zap.Error(merr))
		return nil
	}
	req := queue.NewRequest(http.MethodPost, applyPath, headers, payload, retryMax)
	retries.Enqueue(req)
	log.Warn("promotion usage queued for retry", zap.String("request_id", req.ID), zap.Error(err))
	return nil
}

// withdrawRental deletes a rental that was created with a discount the
// promotion service then refused.
func withdrawRental(ctx context.Context, headers map[string]string, id uint) {
	path := fmt.Sprintf("%s/%d", rentalsPath, id)
	resp, err := rentalsAPI.send(ctx, call{method: http.MethodDelete, path: path, headers: headers})
	if err == nil && resp.IsSuccess() {
		log.Info("discounted rental withdrawn", zap.Uint("rental_id", id))
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	log.Error("discounted rental not withdrawn",
		zap.Uint("rental_id", id),
		zap.Int("status", status),
		zap.Error(err),
	)
}

func healthCheck(port string) gin.HandlerFunc {
	return func(c *gin.Context) {
		upstreams := gin.H{}
		for _, u := range []*upstream{fleet, rentalsAPI, promotionsAPI} {
			upstreams[u.name] = u.breaker.GetState().String()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "UP",
			"details":   "Host localhost:" + port + " is active",
			"upstreams": upstreams,
			"cache":     vehicles.Healthy(c.Request.Context()),
			"retries":   retries.Size(),
		})
	}
}
