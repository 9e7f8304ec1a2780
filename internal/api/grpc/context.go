package grpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/security"
)

// actorFromContext returns the actor the auth interceptor stored on ctx.
func actorFromContext(ctx context.Context) (domain.Actor, error) {
	actor, ok := security.ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "actor is not authenticated")
	}
	return actor, nil
}

// ToStatus converts an engine error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(CodeFor(err), err.Error())
}

func CodeFor(err error) codes.Code {
	switch domain.Code(err) {
	case "validation":
		return codes.InvalidArgument
	case "forbidden":
		return codes.PermissionDenied
	case "not_found":
		return codes.NotFound
	case "insufficient_quantity", "invalid_transition":
		return codes.FailedPrecondition
	case "duplicate":
		return codes.AlreadyExists
	case "stale_snapshot":
		return codes.Aborted
	case "reconciliation":
		return codes.DataLoss
	case "lock_timeout":
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
