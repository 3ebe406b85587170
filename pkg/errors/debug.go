package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Detail flattens an error chain into loggable fields. Postgres driver errors
// get their structured fields lifted out so a unique violation on
// order_number or transaction_id can be identified without string matching
// against the message.
type Detail struct {
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`

	Causes []string `json:"causes,omitempty"`

	SQLState   string `json:"sql_state,omitempty"`
	Constraint string `json:"constraint,omitempty"`
	Table      string `json:"table,omitempty"`
	Column     string `json:"column,omitempty"`
	Hint       string `json:"hint,omitempty"`
	DriverMsg  string `json:"driver_msg,omitempty"`
}

// Describe inspects err and every wrapped cause. Both the pgx and lib/pq
// drivers are handled; whichever produced the error wins.
func Describe(err error) Detail {
	if err == nil {
		return Detail{}
	}

	d := Detail{Message: err.Error()}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		d.Causes = append(d.Causes, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		d.SQLState = pgxErr.Code
		d.Constraint = pgxErr.ConstraintName
		d.Table = pgxErr.TableName
		d.Column = pgxErr.ColumnName
		d.Hint = pgxErr.Hint
		d.DriverMsg = pgxErr.Message
		return d
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		d.SQLState = string(pqErr.Code)
		d.Constraint = pqErr.Constraint
		d.Table = pqErr.Table
		d.Column = pqErr.Column
		d.Hint = pqErr.Hint
		d.DriverMsg = pqErr.Message
	}
	return d
}
