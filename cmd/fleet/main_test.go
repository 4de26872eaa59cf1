package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"autoloc/pkg/httpx"
	"autoloc/pkg/models"
	"autoloc/pkg/rental"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dealer = &rental.Actor{ID: 7, Role: rental.RoleDealer}

type seed struct {
	validated models.Dealership
	pending   models.Dealership
	available models.Vehicle
	rented    models.Vehicle
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := testDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, testDB.AutoMigrate(&models.Dealership{}, &models.Vehicle{}))
	return testDB
}

func setupServer(t *testing.T) (*gin.Engine, seed) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db = setupTestDB(t)

	s := seed{
		validated: models.Dealership{DealerID: 7, Name: "Dakar Auto", City: "Dakar", Address: "1 avenue Lamine Gueye", Status: models.DealershipValidated, VehicleCount: 2},
		pending:   models.Dealership{DealerID: 7, Name: "Thies Cars", City: "Thies", Address: "3 rue 10", Status: models.DealershipPending},
	}
	require.NoError(t, db.Create(&s.validated).Error)
	require.NoError(t, db.Create(&s.pending).Error)

	rate := decimal.NewNullDecimal(decimal.NewFromInt(10000))
	s.available = models.Vehicle{DealerID: 7, DealershipID: s.validated.ID, Make: "Peugeot", Model: "208", Year: 2022, Plate: "DK-1", Seats: 5, Status: models.VehicleAvailable, ForRent: true, DailyRate: rate, Visible: true}
	s.rented = models.Vehicle{DealerID: 7, DealershipID: s.validated.ID, Make: "Toyota", Model: "Yaris", Year: 2021, Plate: "DK-2", Seats: 5, Status: models.VehicleRented, ForRent: true, DailyRate: rate, Visible: true}
	require.NoError(t, db.Create(&s.available).Error)
	require.NoError(t, db.Create(&s.rented).Error)

	return setupRouter("8060"), s
}

func do(t *testing.T, server *gin.Engine, method, path string, actor *rental.Actor, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload := []byte{}
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(httpx.HeaderUserID, strconv.FormatUint(uint64(actor.ID), 10))
		req.Header.Set(httpx.HeaderUserRole, string(actor.Role))
	}
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestGetDealerships(t *testing.T) {
	server, _ := setupServer(t)

	w := do(t, server, "GET", "/api/v1/dealerships?city=dakar&page=1&size=10", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["totalElements"])
	items := body["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "Dakar Auto", items[0].(map[string]interface{})["name"])

	w = do(t, server, "GET", "/api/v1/dealerships?city=Thies", nil, nil)
	assert.Equal(t, float64(0), decode(t, w)["totalElements"], "pending dealerships are hidden")
}

func TestGetDealership(t *testing.T) {
	server, s := setupServer(t)

	w := do(t, server, "GET", "/api/v1/dealerships/"+strconv.Itoa(int(s.validated.ID)), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "VALIDATED", decode(t, w)["status"])

	w = do(t, server, "GET", "/api/v1/dealerships/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDealershipVehicles(t *testing.T) {
	server, s := setupServer(t)
	path := "/api/v1/dealerships/" + strconv.Itoa(int(s.validated.ID)) + "/vehicles"

	w := do(t, server, "GET", path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["totalElements"])

	w = do(t, server, "GET", path+"?showAll=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["totalElements"])
}

func TestGetVehicle(t *testing.T) {
	server, s := setupServer(t)

	w := do(t, server, "GET", "/api/v1/vehicles/"+strconv.Itoa(int(s.available.ID)), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "10000.00", body["dailyRate"])
	assert.Nil(t, body["salePrice"])

	w = do(t, server, "GET", "/api/v1/vehicles/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateVehicle(t *testing.T) {
	server, s := setupServer(t)
	body := map[string]interface{}{
		"dealershipId": s.validated.ID,
		"make":         "Renault",
		"model":        "Clio",
		"year":         2023,
		"plate":        "dk-3",
		"seats":        5,
		"forRent":      true,
		"dailyRate":    "15000",
		"deposit":      "60000",
	}

	w := do(t, server, "POST", "/api/v1/vehicles", dealer, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, "DK-3", created["plate"])
	assert.Equal(t, "AVAILABLE", created["status"])

	var d models.Dealership
	require.NoError(t, db.First(&d, s.validated.ID).Error)
	assert.Equal(t, 3, d.VehicleCount)

	w = do(t, server, "POST", "/api/v1/vehicles", dealer, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "plate")
}

func TestCreateVehicleRejections(t *testing.T) {
	server, s := setupServer(t)
	body := func(dealershipID uint) map[string]interface{} {
		return map[string]interface{}{
			"dealershipId": dealershipID, "make": "Renault", "model": "Clio", "year": 2023,
			"plate": "DK-9", "forRent": true, "dailyRate": "15000",
		}
	}

	w := do(t, server, "POST", "/api/v1/vehicles", &rental.Actor{ID: 3, Role: rental.RoleClient}, body(s.validated.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, server, "POST", "/api/v1/vehicles", &rental.Actor{ID: 8, Role: rental.RoleDealer}, body(s.validated.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, server, "POST", "/api/v1/vehicles", dealer, body(s.pending.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "dealershipId")

	noRate := body(s.validated.ID)
	delete(noRate, "dailyRate")
	w = do(t, server, "POST", "/api/v1/vehicles", dealer, noRate)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "dailyRate")

	w = do(t, server, "POST", "/api/v1/vehicles", nil, body(s.validated.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateVehicle(t *testing.T) {
	server, s := setupServer(t)
	path := "/api/v1/vehicles/" + strconv.Itoa(int(s.available.ID))

	w := do(t, server, "PATCH", path, dealer, map[string]interface{}{"dailyRate": "12000", "status": "maintenance", "visible": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "12000.00", body["dailyRate"])
	assert.Equal(t, "MAINTENANCE", body["status"])
	assert.Equal(t, false, body["visible"])

	var v models.Vehicle
	require.NoError(t, db.First(&v, s.available.ID).Error)
	assert.Equal(t, models.VehicleMaintenance, v.Status)
	assert.True(t, v.DailyRate.Decimal.Equal(decimal.NewFromInt(12000)))

	w = do(t, server, "PATCH", path, dealer, map[string]interface{}{"status": "RENTED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, "PATCH", path, &rental.Actor{ID: 8, Role: rental.RoleDealer}, map[string]interface{}{"visible": true})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateRentedVehicleStatus(t *testing.T) {
	server, s := setupServer(t)
	path := "/api/v1/vehicles/" + strconv.Itoa(int(s.rented.ID))

	w := do(t, server, "PATCH", path, dealer, map[string]interface{}{"status": "AVAILABLE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "status")

	w = do(t, server, "PATCH", path, dealer, map[string]interface{}{"dailyRate": "11000"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	server, _ := setupServer(t)

	w := do(t, server, "GET", "/manage/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "localhost:8060")
}
