package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/security"
	"equipment-rental-backend/internal/service"
)

// Handler exposes the engine services over REST.
type Handler struct {
	svc *service.Services
}

func NewHandler(svc *service.Services) *Handler {
	return &Handler{svc: svc}
}

// NewRouter builds the API router with request id, access log and
// authentication middleware.
func NewRouter(svc *service.Services, tm security.TokenManager) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestID, AccessLog, NewAuthenticator(tm).Middleware)
	NewHandler(svc).Register(router)
	return router
}

// Register adds every route to router. Route names are looked up in the
// endpoint security table.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet).Name("health")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/equipment", h.ListEquipment).Methods(http.MethodGet).Name("equipment.list")
	api.HandleFunc("/equipment", h.RegisterItem).Methods(http.MethodPost).Name("equipment.register")
	api.HandleFunc("/equipment/snapshot", h.GetEquipmentSnapshot).Methods(http.MethodGet).Name("equipment.snapshot")
	api.HandleFunc("/equipment/{id:[0-9]+}/ledger", h.ListEntries).Methods(http.MethodGet).Name("equipment.ledger")
	api.HandleFunc("/equipment/{id:[0-9]+}/reconciliation", h.Reconcile).Methods(http.MethodGet).Name("equipment.reconcile")
	api.HandleFunc("/equipment/{id:[0-9]+}/reconciliation/resolve", h.ResolveReconciliation).Methods(http.MethodPost).Name("equipment.resolve")
	api.HandleFunc("/ledger/entries", h.ApplyLedgerEntry).Methods(http.MethodPost).Name("ledger.apply")

	api.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost).Name("orders.create")
	api.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet).Name("orders.list")
	api.HandleFunc("/orders/{id:[0-9]+}", h.GetOrder).Methods(http.MethodGet).Name("orders.get")
	api.HandleFunc("/orders/{id:[0-9]+}/availability", h.CheckAvailability).Methods(http.MethodPost).Name("orders.availability")
	api.HandleFunc("/orders/{id:[0-9]+}/reservation", h.CommitReservation).Methods(http.MethodPost).Name("orders.reserve")
	api.HandleFunc("/orders/{id:[0-9]+}/transitions", h.TransitionOrder).Methods(http.MethodPost).Name("orders.transition")
	api.HandleFunc("/orders/{id:[0-9]+}/events", h.AllowedEvents).Methods(http.MethodGet).Name("orders.events")
	api.HandleFunc("/orders/{id:[0-9]+}/deposit-terms", h.SetDepositTerms).Methods(http.MethodPut).Name("orders.deposit_terms")
	api.HandleFunc("/orders/{id:[0-9]+}/split", h.SplitOrder).Methods(http.MethodPost).Name("orders.split")
	api.HandleFunc("/orders/{id:[0-9]+}/settlement", h.ComputeSettlement).Methods(http.MethodGet).Name("orders.settlement")
	api.HandleFunc("/orders/{id:[0-9]+}/records", h.ListRecords).Methods(http.MethodGet).Name("orders.records")
	api.HandleFunc("/orders/{id:[0-9]+}/penalties", h.RecordPenalty).Methods(http.MethodPost).Name("orders.penalties")
	api.HandleFunc("/orders/{id:[0-9]+}/vendor-costs", h.RecordVendorCost).Methods(http.MethodPost).Name("orders.vendor_costs")

	api.HandleFunc("/records/{id:[0-9]+}/transitions", h.TransitionRecord).Methods(http.MethodPost).Name("records.transition")
	api.HandleFunc("/customers/{id:[0-9]+}/balance", h.CustomerBalance).Methods(http.MethodGet).Name("customers.balance")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request) (int32, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 32)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", "must be a positive integer")
	}
	return int32(id), nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", err.Error())
	}
	return nil
}

func queryInt32(r *http.Request, name string) (int32, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer")
	}
	return int32(v), nil
}

// actor returns the authenticated actor; the auth middleware guarantees one on
// every protected route.
func actor(r *http.Request) domain.Actor {
	a, _ := security.ActorFromContext(r.Context())
	return a
}

func (h *Handler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterItemInput
	if err := decode(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.svc.Ledger.RegisterItem(r.Context(), input, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) ListEquipment(w http.ResponseWriter, r *http.Request) {
	filter := repository.EquipmentFilter{Category: r.URL.Query().Get("category")}
	if raw := r.URL.Query().Get("on_hold"); raw != "" {
		hold, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, domain.NewValidationError("on_hold", "must be a boolean"))
			return
		}
		filter.OnHold = &hold
	}
	var err error
	if filter.Limit, err = queryInt32(r, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt32(r, "offset"); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.svc.Ledger.ListEquipment(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetEquipmentSnapshot reads ?ids=1,2,3.
func (h *Handler) GetEquipmentSnapshot(w http.ResponseWriter, r *http.Request) {
	var ids []int32
	for _, part := range strings.Split(r.URL.Query().Get("ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			writeError(w, r, domain.NewValidationError("ids", fmt.Sprintf("%q is not an id", part)))
			return
		}
		ids = append(ids, int32(id))
	}
	if len(ids) == 0 {
		writeError(w, r, domain.NewValidationError("ids", "is required"))
		return
	}
	items, err := h.svc.Ledger.GetEquipmentSnapshot(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.svc.Ledger.ListEntries(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.svc.Ledger.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.svc.Ledger.ResolveReconciliation(r.Context(), id, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) ApplyLedgerEntry(w http.ResponseWriter, r *http.Request) {
	var entry domain.LedgerEntry
	if err := decode(r, &entry); err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.svc.Ledger.ApplyLedgerEntry(r.Context(), &entry, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "item": item})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var input service.CreateOrderInput
	if err := decode(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.svc.Orders.CreateOrder(r.Context(), input, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.OrderFilter{
		Kind:   domain.OrderKind(q.Get("kind")),
		Status: domain.OrderStatus(q.Get("status")),
	}
	var err error
	if filter.CustomerID, err = queryInt32(r, "customer_id"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Limit, err = queryInt32(r, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt32(r, "offset"); err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.svc.Orders.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.svc.Orders.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.svc.Availability.CheckAvailability(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type commitRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

func (h *Handler) CommitReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req commitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.svc.Reservations.CommitReservation(r.Context(), id, req.ExpectedVersion, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req service.TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.OrderID = id
	req.Actor = actor(r)
	res, err := h.svc.Orders.TransitionOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) AllowedEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.svc.Orders.AllowedEvents(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type depositTermsRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	DueDays         int32           `json:"due_days"`
	ExpectedVersion int64           `json:"expected_version"`
}

func (h *Handler) SetDepositTerms(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req depositTermsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	terms := domain.DepositTerms{Amount: req.Amount, DueDays: req.DueDays}
	o, err := h.svc.Orders.SetDepositTerms(r.Context(), id, terms, req.ExpectedVersion, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) SplitOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Orders.SplitOrder(r.Context(), id, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ComputeSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Finance.ComputeSettlement(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := h.svc.Finance.ListRecords(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) RecordPenalty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input service.PenaltyInput
	if err := decode(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	input.OrderID = id
	rec, err := h.svc.Finance.RecordPenalty(r.Context(), input, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) RecordVendorCost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input service.VendorCostInput
	if err := decode(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	input.OrderID = id
	rec, err := h.svc.Finance.RecordVendorCost(r.Context(), input, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) TransitionRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req service.RecordTransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.RecordID = id
	req.Actor = actor(r)
	res, err := h.svc.Finance.TransitionRecord(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CustomerBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	balance, err := h.svc.Finance.CustomerBalance(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}
