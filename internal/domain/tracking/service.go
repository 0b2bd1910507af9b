package tracking

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/tracking/internal/platform/metrics"
)

// Authorizer decides whether the caller may create tracking records.
type Authorizer interface {
	CanCreateTracking(ctx context.Context) bool
}

// BatchLocker serialises batches across processes. The batch runs on the
// returned context, which is cancelled if the lock is lost; the returned
// func releases the lock.
type BatchLocker interface {
	Acquire(ctx context.Context) (context.Context, func(context.Context) error, error)
}

var errMissingEnrollment = errors.New("event has no enrollment id")

// BatchResult is the internal outcome of one batch. It is logged and counted
// but never returned to the caller as a failure.
type BatchResult struct {
	BatchID          uuid.UUID `json:"batch_id"`
	Events           int       `json:"events"`
	Processed        int       `json:"processed"`
	Records          int       `json:"records"`
	Written          int64     `json:"written"`
	Unauthorized     bool      `json:"unauthorized"`
	FailedEnrollment string    `json:"failed_enrollment,omitempty"`
	Err              error     `json:"-"`
}

// Service builds tracking records for batches of enrollment events.
type Service struct {
	schema   *Schema
	rules    RuleSource
	fetcher  *Fetcher
	overlays []Overlay
	fanout   *FanOut
	repo     TrackingRepository
	authz    Authorizer
	logger   zerolog.Logger

	locker  BatchLocker
	metrics *metrics.Registry
}

func NewService(schema *Schema, rules RuleSource, store SourceStore, repo TrackingRepository, authz Authorizer, logger zerolog.Logger) *Service {
	f := NewFetcher(schema, store)
	return &Service{
		schema:   schema,
		rules:    rules,
		fetcher:  f,
		overlays: DefaultOverlays(f),
		fanout:   NewFanOut(schema, f),
		repo:     repo,
		authz:    authz,
		logger:   logger,
	}
}

// SetLocker attaches an optional cross-process batch lock.
func (s *Service) SetLocker(l BatchLocker) { s.locker = l }

// SetMetrics attaches an optional metrics registry.
func (s *Service) SetMetrics(m *metrics.Registry) { s.metrics = m }

// Catalog loads and validates the current mapping rules.
func (s *Service) Catalog(ctx context.Context) (*Catalog, error) {
	rules, err := s.rules.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mapping rules: %w", err)
	}
	return NewCatalog(s.schema, rules)
}

// ProcessBatch refreshes the tracking snapshot of every event and writes all
// produced records with a single bulk create.
//
// The batch is one failure boundary: the first error or panic stops the
// remaining events and discards every record accumulated so far. The failure
// is logged and reported in the returned BatchResult only; callers treat the
// batch as handled. This mirrors the legacy behaviour and is not a pattern to
// copy.
func (s *Service) ProcessBatch(ctx context.Context, events []Event) BatchResult {
	res := BatchResult{BatchID: uuid.New(), Events: len(events)}
	log := s.logger.With().Str("batch_id", res.BatchID.String()).Int("events", len(events)).Logger()
	start := time.Now()

	res.Err = s.runBatch(ctx, events, &res, log)

	if s.metrics != nil {
		s.metrics.ObserveBatch(time.Since(start), res.Processed, res.Written, res.Unauthorized, res.Err != nil)
	}
	if res.Err != nil {
		log.Error().Err(res.Err).
			Str("enrollment_id", res.FailedEnrollment).
			Int("processed", res.Processed).
			Int("discarded", res.Records).
			Msg("tracking batch aborted")
		return res
	}
	log.Info().
		Int("records", res.Records).
		Int64("written", res.Written).
		Bool("unauthorized", res.Unauthorized).
		Dur("duration", time.Since(start)).
		Msg("tracking batch processed")
	return res
}

func (s *Service) runBatch(ctx context.Context, events []Event, res *BatchResult, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			log.Error().Str("panic", fmt.Sprintf("%v", r)).Str("stack", string(stack[:n])).Msg("panic recovered")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if s.locker != nil {
		lctx, release, err := s.locker.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire batch lock: %w", err)
		}
		ctx = lctx
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				log.Warn().Err(rerr).Msg("release batch lock")
			}
		}()
	}

	cat, err := s.Catalog(ctx)
	if err != nil {
		return err
	}

	acc := NewAccumulator()
	for _, ev := range events {
		res.FailedEnrollment = ev.EnrollmentID
		if err := s.processEvent(ctx, cat, ev, acc, log); err != nil {
			res.Records = acc.Len()
			return fmt.Errorf("enrollment %s: %w", ev.EnrollmentID, err)
		}
		res.Processed++
	}
	res.FailedEnrollment = ""
	res.Records = acc.Len()

	if !s.authz.CanCreateTracking(ctx) {
		res.Unauthorized = true
		log.Warn().Int("records", acc.Len()).Msg("caller may not create tracking records; write skipped")
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("bulk create tracking records: %w", context.Cause(ctx))
	}
	n, err := s.repo.BulkCreate(ctx, acc.Records())
	if err != nil {
		return fmt.Errorf("bulk create tracking records: %w", err)
	}
	res.Written = n
	return nil
}

func (s *Service) processEvent(ctx context.Context, cat *Catalog, ev Event, acc *Accumulator, log zerolog.Logger) error {
	if ev.EnrollmentID == "" {
		return errMissingEnrollment
	}
	base := NewTargetRecord(ev)

	for _, entityType := range s.schema.BaseSources {
		rules := cat.RulesFor(entityType)
		if len(rules) == 0 {
			continue
		}
		recs, err := s.fetcher.Fetch(ctx, entityType, ev, rules)
		if err != nil {
			return err
		}
		opts := ApplyOptions{Source: s.schema.Sources[entityType]}
		for _, r := range recs {
			if _, err := ApplyRuleSet(rules, r, base, opts); err != nil {
				return err
			}
		}
	}

	for _, o := range s.overlays {
		if err := o.Apply(ctx, ev, base); err != nil {
			return fmt.Errorf("%s overlay: %w", o.Name(), err)
		}
	}

	base.finalize()
	acc.Add(base)

	dosages, err := s.fanout.Expand(ctx, cat, ev, base, acc)
	if err != nil {
		return fmt.Errorf("fan-out: %w", err)
	}
	log.Debug().
		Str("enrollment_id", ev.EnrollmentID).
		Int("dosages", dosages).
		Msg("enrollment processed")
	return nil
}
