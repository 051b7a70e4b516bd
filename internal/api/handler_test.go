package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/gateway"
	"rental-service/internal/lock"
	"rental-service/internal/models"
	"rental-service/internal/service"
	"rental-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	require.NoError(t, mem.UpsertVehicle(context.Background(), &models.Vehicle{
		ID: "v1", Make: "Toyota", Model: "Corolla", DailyRate: 5000, IsAvailable: true,
	}))

	locker := lock.NewKeyedMutex()
	catalog := service.NewVehicleCatalog(mem, nil, time.Minute)

	reservations := service.NewReservationService(catalog, mem, locker, nil)
	reservations.SetClock(func() time.Time { return fixedNow })

	payments := service.NewPaymentOrchestrator(mem, reservations,
		gateway.NewRegistryFromConfig(gateway.Config{TestMode: true}),
		locker, nil, service.PaymentSettings{Currency: "USD", PaymentTimeout: time.Second})

	h := NewHandler(catalog, reservations, payments)
	router := gin.New()
	h.SetupRoutes(router)
	return router, h
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func reservationBody(pickup, ret string) gin.H {
	return gin.H{
		"vehicle_id":  "v1",
		"customer_id": "c1",
		"pickup_at":   pickup,
		"return_at":   ret,
	}
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadinessCheck(t *testing.T) {
	router, h := newTestRouter(t)

	h.AddReadinessCheck("store", stubPinger{})
	w := doJSON(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h.AddReadinessCheck("redis", stubPinger{err: errors.New("connection refused")})
	w = doJSON(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCreateReservationEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-01T00:00:00Z", "2025-06-04T00:00:00Z"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var r models.Reservation
	decode(t, w, &r)
	assert.Equal(t, int64(15000), r.TotalAmount)
	assert.Equal(t, models.ReservationPending, r.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-03T00:00:00Z", "2025-06-05T00:00:00Z"))
	assert.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	}
	decode(t, w, &body)
	assert.Equal(t, string(apperr.KindConflict), body.Error)
	assert.NotEmpty(t, body.Message)
	assert.False(t, body.Retryable)

	w = doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-04T00:00:00Z", "2025-06-06T00:00:00Z"))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/reservations/"+r.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v1/reservations", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Reservations []models.Reservation `json:"reservations"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Reservations, 2)
}

func TestCreateReservationIdempotencyHeader(t *testing.T) {
	router, _ := newTestRouter(t)
	body := reservationBody("2025-06-10T00:00:00Z", "2025-06-12T00:00:00Z")

	first := doJSON(t, router, http.MethodPost, "/api/v1/reservations", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, first.Code)
	second := doJSON(t, router, http.MethodPost, "/api/v1/reservations", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b models.Reservation
	decode(t, first, &a)
	decode(t, second, &b)
	assert.Equal(t, a.ID, b.ID)
}

func TestCreateReservationErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"malformed", gin.H{"vehicle_id": "v1"}, http.StatusBadRequest},
		{"inverted range", reservationBody("2025-06-05T00:00:00Z", "2025-06-04T00:00:00Z"), http.StatusBadRequest},
		{"unknown vehicle", gin.H{
			"vehicle_id": "nope", "customer_id": "c1",
			"pickup_at": "2025-06-05T00:00:00Z", "return_at": "2025-06-06T00:00:00Z",
		}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/v1/reservations", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestReservationTransitionsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-01T00:00:00Z", "2025-06-04T00:00:00Z"))
	require.Equal(t, http.StatusCreated, w.Code)
	var r models.Reservation
	decode(t, w, &r)

	w = doJSON(t, router, http.MethodPatch, "/api/v1/reservations/"+r.ID, gin.H{
		"pickup_at": "2025-06-02T00:00:00Z", "return_at": "2025-06-04T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &r)
	assert.Equal(t, int64(10000), r.TotalAmount)

	w = doJSON(t, router, http.MethodPost, "/api/v1/reservations/"+r.ID+"/activate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/reservations/"+r.ID+"/cancel", gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &r)
	assert.Equal(t, models.ReservationCancelled, r.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/reservations/"+r.ID+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPaymentEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-01T00:00:00Z", "2025-06-04T00:00:00Z"))
	require.Equal(t, http.StatusCreated, w.Code)
	var r models.Reservation
	decode(t, w, &r)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments", gin.H{
		"reservation_id": r.ID,
		"provider":       "stripe",
		"method":         "credit_card",
		"card": gin.H{
			"card_number":     "4532015112830366",
			"expiry_date":     "12/30",
			"cvv":             "123",
			"cardholder_name": "Jane Doe",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p models.Payment
	decode(t, w, &p)
	assert.Equal(t, models.PaymentProcessing, p.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments/"+p.ID+"/confirm", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments/"+p.ID+"/confirm", gin.H{"transaction_id": p.TransactionID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &p)
	assert.Equal(t, models.PaymentSucceeded, p.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments", gin.H{
		"reservation_id": r.ID, "provider": "paypal", "method": "paypal",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), string(apperr.KindAlreadyPaid))

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments/"+p.ID+"/refund", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &p)
	assert.Equal(t, models.PaymentRefunded, p.Status)

	w = doJSON(t, router, http.MethodGet, "/api/v1/reservations/"+r.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Payments []models.Payment `json:"payments"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Payments, 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/payments/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCardEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/cards/validate", gin.H{
		"card_number":     "4532015112830367",
		"expiry_date":     "13/30",
		"cvv":             "12",
		"cardholder_name": "J",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	decode(t, w, &res)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 4)

	w = doJSON(t, router, http.MethodPost, "/api/v1/cards/format", gin.H{
		"card_number": "4532015112830366",
		"expiry_date": "1225",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var formatted map[string]string
	decode(t, w, &formatted)
	assert.Equal(t, "4532 0151 1283 0366", formatted["card_number"])
	assert.Equal(t, "12/25", formatted["expiry_date"])
}

func TestVehicleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPut, "/api/v1/vehicles/v9", gin.H{
		"make": "Suzuki", "model": "Ertiga", "year": 2021, "daily_rate": 4200,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var v models.Vehicle
	decode(t, w, &v)
	assert.Equal(t, int64(4200), v.DailyRate)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "v9")
}

func TestVehicleAvailabilityEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPut, "/api/v1/vehicles/v2", gin.H{"daily_rate": 7000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-03T00:00:00Z", "2025-06-06T00:00:00Z"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v1/availability?from=2025-06-05T00:00:00Z&to=2025-06-07T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var a service.Availability
	decode(t, w, &a)
	assert.False(t, a.Available)
	assert.Equal(t, int64(10000), a.TotalAmount)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v1/availability?from=2025-06-06T00:00:00Z&to=2025-06-07T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &a)
	assert.True(t, a.Available)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v1/availability?from=2025-06-06T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v1/availability?from=2025-06-07T00:00:00Z&to=2025-06-06T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles/v1/availability?from=tomorrow&to=2025-06-06T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var list struct {
		Vehicles []models.Vehicle `json:"vehicles"`
	}
	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles?from=2025-06-04T00:00:00Z&to=2025-06-08T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &list)
	require.Len(t, list.Vehicles, 1)
	assert.Equal(t, "v2", list.Vehicles[0].ID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Len(t, list.Vehicles, 2)

	w = doJSON(t, router, http.MethodGet, "/api/v1/vehicles?to=2025-06-08T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefundReadsChunkedBody(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/reservations",
		reservationBody("2025-06-01T00:00:00Z", "2025-06-04T00:00:00Z"))
	require.Equal(t, http.StatusCreated, w.Code)
	var r models.Reservation
	decode(t, w, &r)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments", gin.H{"reservation_id": r.ID, "method": "paypal"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p models.Payment
	decode(t, w, &p)
	assert.Equal(t, models.ProviderPayPal, p.Provider)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments/"+p.ID+"/capture", gin.H{"payer_id": "PAYER-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+p.ID+"/refund", bytes.NewBufferString(`{"amount":5000}`))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &p)
	assert.Equal(t, int64(5000), p.RefundedAmount)

	w = doJSON(t, router, http.MethodPost, "/api/v1/payments/"+p.ID+"/refund", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(apperr.KindInvalidRange))
	assert.Equal(t, http.StatusPaymentRequired, statusFor(apperr.KindProviderRejected))
	assert.Equal(t, http.StatusBadGateway, statusFor(apperr.KindProviderUnavailable))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(apperr.KindTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(apperr.KindStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(apperr.KindInternal))
}
