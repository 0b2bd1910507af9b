package tracking

import "context"

// TrackingRepository persists tracking records.
type TrackingRepository interface {
	BulkCreate(ctx context.Context, records []*TargetRecord) (int64, error)
	ListByEnrollment(ctx context.Context, enrollmentID string, limit, offset int) ([]*TargetRecord, int, error)
}
