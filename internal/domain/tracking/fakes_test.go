package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeStore serves canned records per entity type. Predicates are matched
// against fields the canned record carries and ignored otherwise, limits are
// honoured, and results are projected onto the selected fields the way the
// SQL store would return them.
type fakeStore struct {
	mu      sync.Mutex
	records map[string][]*SourceRecord
	errs    map[string]error
	queries []Query
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string][]*SourceRecord),
		errs:    make(map[string]error),
	}
}

func (s *fakeStore) add(entityType string, fields map[string]interface{}) *SourceRecord {
	rec := NewSourceRecord(entityType)
	for k, v := range fields {
		if rel, field, ok := splitPath(k); ok {
			sub := rec.Related[rel]
			if sub == nil {
				sub = NewSourceRecord(rel)
				rec.Related[rel] = sub
			}
			sub.Fields[field] = v
			continue
		}
		rec.Fields[k] = v
	}
	s.records[entityType] = append(s.records[entityType], rec)
	return rec
}

func (s *fakeStore) Query(_ context.Context, q Query) ([]*SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if err := s.errs[q.EntityType]; err != nil {
		return nil, err
	}

	var out []*SourceRecord
	for _, rec := range s.records[q.EntityType] {
		if !matches(rec, q.Where) {
			continue
		}
		out = append(out, project(rec, q.Fields))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) queriesFor(entityType string) []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Query
	for _, q := range s.queries {
		if q.EntityType == entityType {
			out = append(out, q)
		}
	}
	return out
}

func matches(rec *SourceRecord, where []Predicate) bool {
	for _, p := range where {
		if !rec.Has(p.Field) {
			continue
		}
		if rawString(rec, p.Field) != formatValue(p.Value) {
			return false
		}
	}
	return true
}

func project(rec *SourceRecord, fields []string) *SourceRecord {
	out := NewSourceRecord(rec.Type)
	for _, f := range fields {
		if rel, field, ok := splitPath(f); ok {
			sub := rec.Related[rel]
			if sub == nil {
				out.Related[rel] = nil
				continue
			}
			dst := out.Related[rel]
			if dst == nil {
				dst = NewSourceRecord(rel)
				out.Related[rel] = dst
			}
			dst.Fields[field] = sub.Fields[field]
			dst.Fields[FieldID] = sub.Fields[FieldID]
			continue
		}
		out.Fields[f] = rec.Fields[f]
	}
	return out
}

type mockRepo struct {
	calls   int
	written []*TargetRecord
	err     error
}

func (m *mockRepo) BulkCreate(_ context.Context, records []*TargetRecord) (int64, error) {
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	m.written = append(m.written, records...)
	return int64(len(records)), nil
}

func (m *mockRepo) ListByEnrollment(_ context.Context, enrollmentID string, limit, offset int) ([]*TargetRecord, int, error) {
	var out []*TargetRecord
	for _, r := range m.written {
		if r.EnrollmentID == enrollmentID {
			out = append(out, r)
		}
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

type staticAuthz bool

func (a staticAuthz) CanCreateTracking(context.Context) bool { return bool(a) }

type staticRules []MappingRule

func (r staticRules) LoadRules(context.Context) ([]MappingRule, error) { return r, nil }

type failingRules struct{ err error }

func (r failingRules) LoadRules(context.Context) ([]MappingRule, error) { return nil, r.err }

type stubLocker struct {
	err      error
	lost     error
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context) (context.Context, func(context.Context) error, error) {
	if l.err != nil {
		return nil, nil, l.err
	}
	l.acquired++
	lctx, cancel := context.WithCancelCause(ctx)
	if l.lost != nil {
		cancel(l.lost)
	}
	return lctx, func(context.Context) error {
		l.released++
		cancel(nil)
		return nil
	}, nil
}

var errStore = errors.New("store unavailable")

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema: %v", err)
	}
	return s
}

func rule(entityType, source, target string) MappingRule {
	return MappingRule{SourceEntityType: entityType, SourceField: source, TargetField: target}
}

// testRules is a small rule set covering every base source and the fan-out.
func testRules() staticRules {
	return staticRules{
		rule(EntityEnrollment, "status", "Enrollment_Status"),
		rule(EntityEnrollment, "start_date", "Enrollment_Start_Date"),
		rule(EntityAccount, "last_name", "Patient_Last_Name"),
		rule(EntityAccount, "mailing_state", "Patient_State"),
		rule(EntityMemberPlan, "plan_name", "Primary_Plan_Name"),
		rule(EntityMemberPlan, "plan_name", "Secondary_Plan_Name"),
		rule(EntityCharitableProgram, "name", "TPAP_Program_Name"),
		rule(EntityCharitableProgram, "name", "Charitable_Program_Name"),
		rule(EntityMedicationDosage, "id", "Dosage_Id"),
		rule(EntityMedicationDosage, "ndc_code", "NDC_Code"),
		rule(EntityMedicationDosage, "product_name", "Product_Name"),
		rule(EntityMedicationDosage, "quantity", "Quantity"),
		rule(EntityReferral, "product_name", "Product_Name"),
		rule(EntityOrder, "quantity", "Quantity"),
	}
}

func newTestService(t *testing.T, store SourceStore, repo TrackingRepository, authz Authorizer) *Service {
	t.Helper()
	return NewService(testSchema(t), testRules(), store, repo, authz, zerolog.Nop())
}
