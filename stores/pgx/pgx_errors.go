package pgx

import (
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

// isTransient reports whether err is worth an immediate bounded retry:
// a serialization failure, deadlock, or a network-level connection
// problem, as opposed to a permanent schema or constraint error.
func isTransient(err error) bool {
	switch pgErrorCode(err) {
	case "40001", "40P01", "08006", "08003", "08000":
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
