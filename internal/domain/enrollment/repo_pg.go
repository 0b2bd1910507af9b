package enrollment

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/tracking/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type enrollmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewEnrollmentRepoPG(pool *pgxpool.Pool) EnrollmentRepository {
	return &enrollmentRepoPG{pool: pool}
}

func (r *enrollmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const enrollmentRecordType = "Patient Enrollment"

func (r *enrollmentRepoPG) GetByIDs(ctx context.Context, ids []string) ([]*Enrollment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, COALESCE(account_id, '')
		FROM care_program_enrollment
		WHERE id = ANY(@ids) AND record_type = @record_type`,
		pgx.NamedArgs{"ids": ids, "record_type": enrollmentRecordType})
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var out []*Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.AccountID); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
