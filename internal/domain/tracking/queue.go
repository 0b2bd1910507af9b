package tracking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	pkafka "github.com/ehr/tracking/internal/platform/kafka"
)

// TenantBinder pins ctx to a tenant's database schema. The returned func
// releases the connection.
type TenantBinder func(ctx context.Context, tenant string) (context.Context, func(), error)

// QueueHandler adapts ProcessBatch to the queue consumer. Messages are split
// by tenant header, keeping arrival order within each tenant, and every
// tenant group becomes one batch. Undecodable messages are logged and
// dropped. Enrollment announcements carry accountId, which stands in for a
// missing patientId. Batch faults are logged by ProcessBatch and the
// messages are still committed; only a tenant binding failure stops
// consumption.
func (s *Service) QueueHandler(bind TenantBinder, defaultTenant string) pkafka.BatchHandler {
	return func(ctx context.Context, msgs []kafka.Message) error {
		var order []string
		groups := make(map[string][]Event)
		for _, m := range msgs {
			var msg struct {
				Event
				AccountID string `json:"accountId"`
			}
			if err := json.Unmarshal(m.Value, &msg); err != nil {
				s.logger.Warn().Err(err).
					Int("partition", m.Partition).
					Int64("offset", m.Offset).
					Msg("dropping undecodable tracking event")
				continue
			}
			ev := msg.Event
			if ev.PatientID == "" {
				ev.PatientID = msg.AccountID
			}
			tenant := pkafka.Header(m, pkafka.TenantHeader)
			if tenant == "" {
				tenant = defaultTenant
			}
			if _, ok := groups[tenant]; !ok {
				order = append(order, tenant)
			}
			groups[tenant] = append(groups[tenant], ev)
		}

		for _, tenant := range order {
			tctx, release, err := bind(ctx, tenant)
			if err != nil {
				return fmt.Errorf("bind tenant %s: %w", tenant, err)
			}
			s.ProcessBatch(tctx, groups[tenant])
			release()
		}
		return nil
	}
}
