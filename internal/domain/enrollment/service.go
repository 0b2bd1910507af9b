package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/tracking/internal/platform/db"
	"github.com/ehr/tracking/internal/platform/kafka"
	"github.com/ehr/tracking/internal/platform/metrics"
)

// MaxPublish bounds one publish call.
const MaxPublish = 500

var (
	ErrNoEnrollments = errors.New("at least one enrollment id is required")
	ErrTooMany       = fmt.Errorf("at most %d enrollment ids may be published at once", MaxPublish)

	errNotFound = errors.New("enrollment not found")
)

// EventWriter delivers keyed events to the bus in one call and reports one
// error slot per item.
type EventWriter interface {
	PublishBatch(ctx context.Context, tenant string, items []kafka.Item) []error
}

// Service announces enrollments so their tracking snapshots get refreshed.
type Service struct {
	repo    EnrollmentRepository
	writer  EventWriter
	metrics *metrics.Registry
	logger  zerolog.Logger
}

func NewService(repo EnrollmentRepository, writer EventWriter, logger zerolog.Logger) *Service {
	return &Service{repo: repo, writer: writer, logger: logger}
}

func (s *Service) SetMetrics(m *metrics.Registry) { s.metrics = m }

// Publish emits one event per enrollment id in a single bus write. Each item
// is reported and logged on its own; a failed item never stops the others. The error return
// covers only failures that prevent publishing anything.
func (s *Service) Publish(ctx context.Context, ids []string) ([]PublishResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, ErrNoEnrollments
	}
	if len(ids) > MaxPublish {
		return nil, ErrTooMany
	}

	found, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	byID := make(map[string]*Enrollment, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}

	tenant := db.TenantFromContext(ctx)
	errs := make([]error, len(ids))
	items := make([]kafka.Item, 0, len(ids))
	slots := make([]int, 0, len(ids))
	for i, id := range ids {
		e, ok := byID[id]
		if !ok {
			errs[i] = errNotFound
			continue
		}
		items = append(items, kafka.Item{Key: e.ID, Value: Event{EnrollmentID: e.ID, AccountID: e.AccountID}})
		slots = append(slots, i)
	}
	if len(items) > 0 {
		for j, err := range s.writer.PublishBatch(ctx, tenant, items) {
			errs[slots[j]] = err
		}
	}

	results := make([]PublishResult, 0, len(ids))
	for i, id := range ids {
		res := PublishResult{EnrollmentID: id}
		if err := errs[i]; err != nil {
			res.Error = err.Error()
			s.logger.Error().Err(err).Str("enrollment_id", id).Str("tenant_id", tenant).Msg("enrollment event not published")
		} else {
			res.Published = true
			s.logger.Info().Str("enrollment_id", id).Str("tenant_id", tenant).Msg("enrollment event published")
		}
		if s.metrics != nil {
			s.metrics.ObservePublish(res.Published)
		}
		results = append(results, res)
	}
	return results, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
