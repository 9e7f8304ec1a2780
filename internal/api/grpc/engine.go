package grpc

import (
	"context"

	"google.golang.org/grpc"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/service"
	"equipment-rental-backend/internal/settlement"
)

const ServiceName = "rental.engine.v1.EngineService"

type SnapshotRequest struct {
	EquipmentIDs []int32 `json:"equipment_ids"`
}

type SnapshotResponse struct {
	Items []domain.EquipmentItem `json:"items"`
}

type OrderRequest struct {
	OrderID int32 `json:"order_id"`
}

type CommitReservationRequest struct {
	OrderID         int32 `json:"order_id"`
	ExpectedVersion int64 `json:"expected_version"`
}

type LedgerEntryResponse struct {
	Entry *domain.LedgerEntry   `json:"entry"`
	Item  *domain.EquipmentItem `json:"item"`
}

// EngineServiceServer is the server API for the engine service.
type EngineServiceServer interface {
	GetEquipmentSnapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	CheckAvailability(context.Context, *OrderRequest) (*domain.AvailabilityReport, error)
	CommitReservation(context.Context, *CommitReservationRequest) (*domain.Order, error)
	ApplyLedgerEntry(context.Context, *domain.LedgerEntry) (*LedgerEntryResponse, error)
	TransitionOrder(context.Context, *service.TransitionRequest) (*service.TransitionResult, error)
	ComputeSettlement(context.Context, *OrderRequest) (*settlement.Result, error)
}

func RegisterEngineServiceServer(s grpc.ServiceRegistrar, srv EngineServiceServer) {
	s.RegisterService(&EngineServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(EngineServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// EngineServiceDesc describes the engine service for grpc.Server. Messages are
// carried by the JSON codec.
var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetEquipmentSnapshot", EngineServiceServer.GetEquipmentSnapshot),
		unary("CheckAvailability", EngineServiceServer.CheckAvailability),
		unary("CommitReservation", EngineServiceServer.CommitReservation),
		unary("ApplyLedgerEntry", EngineServiceServer.ApplyLedgerEntry),
		unary("TransitionOrder", EngineServiceServer.TransitionOrder),
		unary("ComputeSettlement", EngineServiceServer.ComputeSettlement),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rental/engine/v1/engine",
}

// EngineClient calls the engine service over a client connection.
type EngineClient struct {
	cc grpc.ClientConnInterface
}

func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EngineClient) GetEquipmentSnapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotRequest, SnapshotResponse](ctx, c.cc, "GetEquipmentSnapshot", in, opts)
}

func (c *EngineClient) CheckAvailability(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*domain.AvailabilityReport, error) {
	return invoke[OrderRequest, domain.AvailabilityReport](ctx, c.cc, "CheckAvailability", in, opts)
}

func (c *EngineClient) CommitReservation(ctx context.Context, in *CommitReservationRequest, opts ...grpc.CallOption) (*domain.Order, error) {
	return invoke[CommitReservationRequest, domain.Order](ctx, c.cc, "CommitReservation", in, opts)
}

func (c *EngineClient) ApplyLedgerEntry(ctx context.Context, in *domain.LedgerEntry, opts ...grpc.CallOption) (*LedgerEntryResponse, error) {
	return invoke[domain.LedgerEntry, LedgerEntryResponse](ctx, c.cc, "ApplyLedgerEntry", in, opts)
}

func (c *EngineClient) TransitionOrder(ctx context.Context, in *service.TransitionRequest, opts ...grpc.CallOption) (*service.TransitionResult, error) {
	return invoke[service.TransitionRequest, service.TransitionResult](ctx, c.cc, "TransitionOrder", in, opts)
}

func (c *EngineClient) ComputeSettlement(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*settlement.Result, error) {
	return invoke[OrderRequest, settlement.Result](ctx, c.cc, "ComputeSettlement", in, opts)
}
