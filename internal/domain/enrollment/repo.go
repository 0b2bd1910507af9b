package enrollment

import "context"

type EnrollmentRepository interface {
	// GetByIDs returns the enrollments that exist among ids, in no particular
	// order.
	GetByIDs(ctx context.Context, ids []string) ([]*Enrollment, error)
}
