package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// ErrNotFound is what every store returns for an absent or invisible row.
var ErrNotFound = domain.ErrNotFound

// wrapDBErr maps driver-level failures onto the shared error taxonomy so
// callers can decide retryability with errors.Is.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions, class 57 operator intervention
		// (shutdown). Both are worth a retry.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return fmt.Errorf("%s: %w: %v", op, domain.ErrUnavailable, err)
		}
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrDeadlineExceeded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
