package http_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "equipment-rental-backend/internal/api/http"
	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/repository/memory"
	"equipment-rental-backend/internal/security"
	"equipment-rental-backend/internal/service"
)

const testSecret = "test-secret-key-that-is-long-enough-for-hs256"

var (
	sales        = domain.Actor{UserID: 10, Name: "Sara", Roles: []domain.Role{domain.RoleSales}}
	storeManager = domain.Actor{UserID: 21, Name: "Lina", Roles: []domain.Role{domain.RoleWarehouseManager}}
	warehouse    = domain.Actor{UserID: 20, Name: "Ravi", Roles: []domain.Role{domain.RoleWarehouse}}
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
	tokens security.TokenManager
}

func newClient(t *testing.T) *apiClient {
	t.Helper()
	store := memory.NewStore(memory.New(time.Second))
	svc := service.New(store, service.FixedVAT(decimal.NewFromInt(5)), events.NewRecorder(), service.Options{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	tm := security.NewTokenManager(testSecret, "equipment-rental-backend", time.Hour)
	server := httptest.NewServer(httpapi.NewRouter(svc, tm))
	t.Cleanup(server.Close)
	return &apiClient{t: t, server: server, tokens: tm}
}

// do sends body as JSON on behalf of actor; a nil actor sends no token.
func (c *apiClient) do(method, path string, actor *domain.Actor, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.server.URL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := c.tokens.GenerateAccessToken(*actor)
		require.NoError(c.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Class   string `json:"class"`
		Field   string `json:"field"`
	} `json:"error"`
}

func (c *apiClient) registerItem(code string, qty int32) domain.EquipmentItem {
	c.t.Helper()
	var item domain.EquipmentItem
	status := c.do(http.MethodPost, "/api/v1/equipment", &storeManager, service.RegisterItemInput{
		ItemCode:        code,
		Description:     "Steel prop",
		DailyRate:       decimal.NewFromInt(50),
		Currency:        "AED",
		InitialQuantity: qty,
	}, &item)
	require.Equal(c.t, http.StatusCreated, status)
	return item
}

func (c *apiClient) createOrder(equipmentID, qty int32) domain.Order {
	c.t.Helper()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	var o domain.Order
	status := c.do(http.MethodPost, "/api/v1/orders", &sales, service.CreateOrderInput{
		Kind:         domain.OrderKindSalesOrder,
		CustomerID:   7,
		CustomerName: "Gulf Scaffolding LLC",
		Currency:     "AED",
		RentalStart:  &start,
		RentalEnd:    &end,
		Lines:        []service.LineInput{{EquipmentID: equipmentID, Quantity: qty}},
	}, &o)
	require.Equal(c.t, http.StatusCreated, status)
	return o
}

func TestHealthIsPublic(t *testing.T) {
	c := newClient(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/health", nil, nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAuthentication(t *testing.T) {
	c := newClient(t)

	var e apiError
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/v1/orders", nil, nil, &e))
	assert.Equal(t, "unauthenticated", e.Error.Code)

	req, err := http.NewRequest(http.MethodGet, c.server.URL+"/api/v1/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReservationOverHTTP(t *testing.T) {
	c := newClient(t)
	item := c.registerItem("PROP-3M", 10)

	first := c.createOrder(item.ID, 6)
	var report domain.AvailabilityReport
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/availability", first.ID), &sales, nil, &report))
	assert.Equal(t, domain.StockCheckAvailable, report.Status)

	var committed domain.Order
	status := c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/reservation", first.ID), &sales,
		map[string]int64{"expected_version": report.OrderVersion}, &committed)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, committed.ReservationHeld)

	var snapshot struct {
		Items []domain.EquipmentItem `json:"items"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, fmt.Sprintf("/api/v1/equipment/snapshot?ids=%d", item.ID), &sales, nil, &snapshot))
	require.Len(t, snapshot.Items, 1)
	assert.Equal(t, int32(4), snapshot.Items[0].Available)
	assert.Equal(t, int32(6), snapshot.Items[0].Reserved)

	second := c.createOrder(item.ID, 5)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/availability", second.ID), &sales, nil, &report))
	assert.Equal(t, domain.StockCheckPartial, report.Status)

	var e apiError
	status = c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/reservation", second.ID), &sales,
		map[string]int64{"expected_version": report.OrderVersion}, &e)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "insufficient_quantity", e.Error.Code)
	assert.Equal(t, string(domain.FailureActionNeeded), e.Error.Class)

	status = c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/reservation", second.ID), &sales,
		map[string]int64{"expected_version": report.OrderVersion + 5}, &e)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "stale_snapshot", e.Error.Code)
}

func TestTransitionOverHTTP(t *testing.T) {
	c := newClient(t)
	item := c.registerItem("PROP-3M", 10)
	o := c.createOrder(item.ID, 2)

	var allowed struct {
		Events []domain.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%d/events", o.ID), &sales, nil, &allowed))
	assert.Contains(t, allowed.Events, domain.EventSendForApproval)

	var e apiError
	status := c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/transitions", o.ID), &warehouse,
		map[string]string{"event": string(domain.EventDispatch)}, &e)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", e.Error.Code)

	var res service.TransitionResult
	status = c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/transitions", o.ID), &sales,
		map[string]string{"event": string(domain.EventCancel), "reason": "customer withdrew"}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.OrderStatusCancelled, res.Order.Status)
}

func TestErrorResponses(t *testing.T) {
	c := newClient(t)
	item := c.registerItem("PROP-3M", 10)

	t.Run("Forbidden", func(t *testing.T) {
		var e apiError
		status := c.do(http.MethodPost, "/api/v1/orders", &warehouse, service.CreateOrderInput{
			Kind: domain.OrderKindQuotation, CustomerID: 1, CustomerName: "A", Currency: "AED",
			Lines: []service.LineInput{{EquipmentID: item.ID, Quantity: 1, Duration: 1}},
		}, &e)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "forbidden", e.Error.Code)
	})

	t.Run("Not found", func(t *testing.T) {
		var e apiError
		assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/v1/orders/999", &sales, nil, &e))
		assert.Equal(t, "not_found", e.Error.Code)
	})

	t.Run("Validation", func(t *testing.T) {
		var e apiError
		status := c.do(http.MethodPost, "/api/v1/orders", &sales, service.CreateOrderInput{
			Kind: domain.OrderKindQuotation, CustomerID: 1, CustomerName: "A", Currency: "AED",
			Lines: []service.LineInput{{EquipmentID: item.ID, Quantity: 0, Duration: 1}},
		}, &e)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "validation", e.Error.Code)
		assert.Equal(t, "lines[0].quantity", e.Error.Field)
	})

	t.Run("Unknown body field", func(t *testing.T) {
		var e apiError
		status := c.do(http.MethodPost, "/api/v1/ledger/entries", &storeManager, map[string]any{"equipment": 1}, &e)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "body", e.Error.Field)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("x", "bad"), http.StatusBadRequest},
		{domain.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("order 1: %w", domain.ErrNotFound), http.StatusNotFound},
		{&domain.InsufficientQuantityError{EquipmentID: 1}, http.StatusConflict},
		{&domain.InvalidTransitionError{OrderID: 1}, http.StatusConflict},
		{domain.ErrDuplicate, http.StatusConflict},
		{&domain.StaleSnapshotError{Entity: "order", ID: 1}, http.StatusPreconditionFailed},
		{&domain.ReconciliationError{EquipmentID: 1}, http.StatusLocked},
		{domain.ErrLockTimeout, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpapi.StatusFor(tt.err), "%v", tt.err)
	}
}
