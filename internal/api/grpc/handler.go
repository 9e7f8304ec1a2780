package grpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/service"
	"equipment-rental-backend/internal/settlement"
)

type EngineHandler struct {
	svc *service.Services
}

func NewEngineHandler(svc *service.Services) *EngineHandler {
	return &EngineHandler{svc: svc}
}

func (h *EngineHandler) GetEquipmentSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	if len(req.EquipmentIDs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "equipment_ids is required")
	}
	items, err := h.svc.Ledger.GetEquipmentSnapshot(ctx, req.EquipmentIDs)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &SnapshotResponse{Items: items}, nil
}

func (h *EngineHandler) CheckAvailability(ctx context.Context, req *OrderRequest) (*domain.AvailabilityReport, error) {
	report, err := h.svc.Availability.CheckAvailability(ctx, req.OrderID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return report, nil
}

func (h *EngineHandler) CommitReservation(ctx context.Context, req *CommitReservationRequest) (*domain.Order, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	o, err := h.svc.Reservations.CommitReservation(ctx, req.OrderID, req.ExpectedVersion, actor)
	if err != nil {
		return nil, ToStatus(err)
	}
	return o, nil
}

func (h *EngineHandler) ApplyLedgerEntry(ctx context.Context, req *domain.LedgerEntry) (*LedgerEntryResponse, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	item, err := h.svc.Ledger.ApplyLedgerEntry(ctx, req, actor)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &LedgerEntryResponse{Entry: req, Item: item}, nil
}

func (h *EngineHandler) TransitionOrder(ctx context.Context, req *service.TransitionRequest) (*service.TransitionResult, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	req.Actor = actor
	res, err := h.svc.Orders.TransitionOrder(ctx, *req)
	if err != nil {
		return nil, ToStatus(err)
	}
	return res, nil
}

func (h *EngineHandler) ComputeSettlement(ctx context.Context, req *OrderRequest) (*settlement.Result, error) {
	res, err := h.svc.Finance.ComputeSettlement(ctx, req.OrderID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return res, nil
}
