package tracking

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	pkafka "github.com/ehr/tracking/internal/platform/kafka"
)

type tenantCtxKey struct{}

type recordingRepo struct {
	*mockRepo
	tenants []string
	sizes   []int
}

func (r *recordingRepo) BulkCreate(ctx context.Context, records []*TargetRecord) (int64, error) {
	tenant, _ := ctx.Value(tenantCtxKey{}).(string)
	r.tenants = append(r.tenants, tenant)
	r.sizes = append(r.sizes, len(records))
	return r.mockRepo.BulkCreate(ctx, records)
}

func msg(tenant, value string) kafka.Message {
	m := kafka.Message{Value: []byte(value)}
	if tenant != "" {
		m.Headers = []kafka.Header{{Key: pkafka.TenantHeader, Value: []byte(tenant)}}
	}
	return m
}

func TestQueueHandler_GroupsByTenant(t *testing.T) {
	repo := &recordingRepo{mockRepo: &mockRepo{}}
	svc := NewService(testSchema(t), testRules(), newFakeStore(), repo, staticAuthz(true), zerolog.Nop())

	released := 0
	bind := func(ctx context.Context, tenant string) (context.Context, func(), error) {
		return context.WithValue(ctx, tenantCtxKey{}, tenant), func() { released++ }, nil
	}
	handle := svc.QueueHandler(bind, "default")

	err := handle(context.Background(), []kafka.Message{
		msg("acme", `{"enrollmentId":"E1","patientId":"P1"}`),
		msg("globex", `{"enrollmentId":"E2","patientId":"P2"}`),
		msg("acme", `{"enrollmentId":"E3","patientId":"P3"}`),
		msg("acme", `not json`),
		msg("", `{"enrollmentId":"E4","accountId":"A4"}`),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	wantTenants := []string{"acme", "globex", "default"}
	wantSizes := []int{2, 1, 1}
	if len(repo.tenants) != len(wantTenants) {
		t.Fatalf("expected %d batches, got %v", len(wantTenants), repo.tenants)
	}
	for i := range wantTenants {
		if repo.tenants[i] != wantTenants[i] || repo.sizes[i] != wantSizes[i] {
			t.Errorf("batch %d: tenant %q size %d, want %q size %d",
				i, repo.tenants[i], repo.sizes[i], wantTenants[i], wantSizes[i])
		}
	}
	if released != 3 {
		t.Errorf("expected every tenant connection released, got %d", released)
	}

	if got := repo.written[0].EnrollmentID; got != "E1" {
		t.Errorf("expected arrival order within a tenant, first was %s", got)
	}
	last := repo.written[len(repo.written)-1]
	if last.EnrollmentID != "E4" || last.PatientID != "A4" {
		t.Errorf("expected accountId fallback for patient, got %s/%s", last.EnrollmentID, last.PatientID)
	}
}

func TestQueueHandler_BatchFaultIsNotAnError(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(testSchema(t), testRules(), newFakeStore(), repo, staticAuthz(true), zerolog.Nop())
	bind := func(ctx context.Context, _ string) (context.Context, func(), error) {
		return ctx, func() {}, nil
	}

	err := svc.QueueHandler(bind, "default")(context.Background(), []kafka.Message{
		msg("", `{"patientId":"P1"}`),
	})
	if err != nil {
		t.Errorf("batch faults must not stop consumption, got %v", err)
	}
	if repo.calls != 0 {
		t.Errorf("faulted batch must not be written, got %d calls", repo.calls)
	}
}

func TestQueueHandler_BindFailure(t *testing.T) {
	svc := NewService(testSchema(t), testRules(), newFakeStore(), &mockRepo{}, staticAuthz(true), zerolog.Nop())
	errBind := errors.New("no such tenant")
	bind := func(ctx context.Context, _ string) (context.Context, func(), error) {
		return nil, nil, errBind
	}

	err := svc.QueueHandler(bind, "default")(context.Background(), []kafka.Message{
		msg("ghost", `{"enrollmentId":"E1","patientId":"P1"}`),
	})
	if !errors.Is(err, errBind) {
		t.Errorf("expected bind error, got %v", err)
	}
}
