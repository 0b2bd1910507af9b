package enrollment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/tracking/internal/platform/db"
	"github.com/ehr/tracking/internal/platform/kafka"
	"github.com/ehr/tracking/internal/platform/metrics"
)

type mockEnrollmentRepo struct {
	store map[string]*Enrollment
	err   error
}

func newMockRepo(items ...*Enrollment) *mockEnrollmentRepo {
	m := &mockEnrollmentRepo{store: make(map[string]*Enrollment)}
	for _, e := range items {
		m.store[e.ID] = e
	}
	return m
}

func (m *mockEnrollmentRepo) GetByIDs(_ context.Context, ids []string) ([]*Enrollment, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*Enrollment
	for _, id := range ids {
		if e, ok := m.store[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type published struct {
	tenant, key string
	event       Event
}

type fakeWriter struct {
	sent   []published
	calls  int
	failOn map[string]bool
}

func (f *fakeWriter) PublishBatch(_ context.Context, tenant string, items []kafka.Item) []error {
	f.calls++
	errs := make([]error, len(items))
	for i, it := range items {
		if f.failOn[it.Key] {
			errs[i] = errors.New("broker unavailable")
			continue
		}
		f.sent = append(f.sent, published{tenant: tenant, key: it.Key, event: it.Value.(Event)})
	}
	return errs
}

func TestPublish_PerItemResults(t *testing.T) {
	repo := newMockRepo(
		&Enrollment{ID: "E1", AccountID: "P1"},
		&Enrollment{ID: "E2", AccountID: "P2"},
		&Enrollment{ID: "E3", AccountID: "P3"},
	)
	w := &fakeWriter{failOn: map[string]bool{"E2": true}}
	svc := NewService(repo, w, zerolog.Nop())
	reg := metrics.NewRegistry()
	svc.SetMetrics(reg)

	ctx := context.WithValue(context.Background(), db.TenantIDKey, "acme")
	results, err := svc.Publish(ctx, []string{"E1", "E2", "missing", "E3", "E1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("expected 4 results after dedupe, got %d", len(results))
	}
	want := map[string]bool{"E1": true, "E2": false, "missing": false, "E3": true}
	for _, r := range results {
		if r.Published != want[r.EnrollmentID] {
			t.Errorf("%s: published = %v", r.EnrollmentID, r.Published)
		}
		if !r.Published && r.Error == "" {
			t.Errorf("%s: expected error text", r.EnrollmentID)
		}
	}

	if w.calls != 1 {
		t.Errorf("expected one batched write, got %d", w.calls)
	}
	if len(w.sent) != 2 {
		t.Fatalf("expected 2 sent messages, got %d", len(w.sent))
	}
	if w.sent[1].key != "E3" || w.sent[1].event.AccountID != "P3" || w.sent[1].tenant != "acme" {
		t.Errorf("unexpected message: %+v", w.sent[1])
	}

	if got := testutil.ToFloat64(reg.EventsPublished); got != 2 {
		t.Errorf("published counter = %v", got)
	}
	if got := testutil.ToFloat64(reg.EventPublishFailure); got != 2 {
		t.Errorf("failure counter = %v", got)
	}
}

func TestPublish_NothingFound(t *testing.T) {
	w := &fakeWriter{}
	svc := NewService(newMockRepo(), w, zerolog.Nop())

	results, err := svc.Publish(context.Background(), []string{"E9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Published {
		t.Errorf("unexpected results: %+v", results)
	}
	if w.calls != 0 {
		t.Errorf("expected no bus write, got %d", w.calls)
	}
}

func TestPublish_Validation(t *testing.T) {
	svc := NewService(newMockRepo(), &fakeWriter{}, zerolog.Nop())

	if _, err := svc.Publish(context.Background(), []string{"", ""}); !errors.Is(err, ErrNoEnrollments) {
		t.Errorf("expected ErrNoEnrollments, got %v", err)
	}

	ids := make([]string, MaxPublish+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("E%d", i)
	}
	if _, err := svc.Publish(context.Background(), ids); !errors.Is(err, ErrTooMany) {
		t.Errorf("expected ErrTooMany, got %v", err)
	}
}

func TestPublish_RepoError(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("connection reset")
	w := &fakeWriter{}
	svc := NewService(repo, w, zerolog.Nop())

	if _, err := svc.Publish(context.Background(), []string{"E1"}); err == nil {
		t.Fatal("expected error")
	}
	if len(w.sent) != 0 {
		t.Error("nothing should be published")
	}
}
