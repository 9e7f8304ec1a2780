package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// NewStore builds every repository on db. lockTimeout bounds how long a ledger
// batch waits for item row locks.
func NewStore(db *sql.DB, lockTimeout time.Duration) *repository.Store {
	return &repository.Store{
		Equipment: NewEquipmentRepository(db),
		Ledger:    NewLedgerRepository(db, lockTimeout),
		Orders:    NewOrderRepository(db),
		Financial: NewFinancialRepository(db),
		Sequences: NewSequenceRepository(db),
	}
}

// PostgreSQL error codes translated into domain errors.
const (
	codeForeignKeyViolation  = "23503"
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

// mapError translates driver errors into the domain taxonomy. Errors that are
// already domain errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable:
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pqErr.Message)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrStaleSnapshot, pqErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, pqErr.Detail)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pqErr.Detail)
		case codeQueryCanceled:
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pqErr.Message)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func int64s(ids []int32) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func uniqueSorted(ids []int32) []int32 {
	seen := make(map[int32]bool, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
