package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"autoloc/pkg/cache"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errVehicleNotFound = errors.New("vehicle not found")

// vehicleView is the part of a fleet vehicle the gateway relies on.
type vehicleView struct {
	ID           uint             `json:"id"`
	DealerID     uint             `json:"dealerId"`
	DealershipID uint             `json:"dealershipId"`
	Make         string           `json:"make"`
	Model        string           `json:"model"`
	Year         int              `json:"year"`
	Plate        string           `json:"plate"`
	Category     string           `json:"category"`
	Status       string           `json:"status"`
	DailyRate    *decimal.Decimal `json:"dailyRate"`
	Deposit      *decimal.Decimal `json:"deposit"`
}

func (v *vehicleView) summary() map[string]interface{} {
	out := map[string]interface{}{
		"id":       v.ID,
		"make":     v.Make,
		"model":    v.Model,
		"year":     v.Year,
		"plate":    v.Plate,
		"category": v.Category,
		"status":   v.Status,
	}
	if v.DailyRate != nil {
		out["dailyRate"] = v.DailyRate.StringFixed(2)
	}
	return out
}

// fetchVehicle reads a vehicle from the cache or else from the fleet service.
func fetchVehicle(ctx context.Context, id uint) (*vehicleView, error) {
	key := cache.VehicleKey(id)
	var v vehicleView
	if vehicles.GetJSON(ctx, key, &v) {
		return &v, nil
	}

	resp, err := fleet.send(ctx, call{method: http.MethodGet, path: fmt.Sprintf("/api/v1/vehicles/%d", id)})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, errVehicleNotFound
	case resp.StatusCode() != http.StatusOK:
		return nil, errors.Errorf("fleet vehicle %d: status %d", id, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return nil, errors.Wrapf(err, "decode vehicle %d", id)
	}
	vehicles.SetJSON(ctx, key, &v)
	return &v, nil
}

// forgetVehicle drops the cached copy of a vehicle whose state changed.
func forgetVehicle(ctx context.Context, body []byte, field string) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	id, ok := payload[field].(float64)
	if !ok || id <= 0 {
		return
	}
	vehicles.Invalidate(ctx, cache.VehicleKey(uint(id)))
	log.Debug("vehicle cache invalidated", zap.Uint("vehicle_id", uint(id)))
}
