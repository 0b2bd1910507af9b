package tracking

import (
	"context"
	"fmt"
)

// Predicate is an equality term of a resolved query.
type Predicate struct {
	Field string
	Value interface{}
}

// Query is a filtered, field-selecting read of one source table ordered by
// creation time ascending.
type Query struct {
	EntityType string
	Table      string
	Fields     []string
	Relations  map[string]Relation
	Where      []Predicate
	Limit      int
}

// SourceStore executes source queries.
type SourceStore interface {
	Query(ctx context.Context, q Query) ([]*SourceRecord, error)
}

// FetchOption adjusts a query before it runs.
type FetchOption func(*Query)

// WithLimit caps the number of returned records.
func WithLimit(n int) FetchOption {
	return func(q *Query) { q.Limit = n }
}

// WithCondition adds an equality term to the type's filter.
func WithCondition(field string, value interface{}) FetchOption {
	return func(q *Query) { q.Where = append(q.Where, Predicate{Field: field, Value: value}) }
}

// Fetcher builds and runs source queries from the schema descriptors.
type Fetcher struct {
	schema *Schema
	store  SourceStore
}

func NewFetcher(schema *Schema, store SourceStore) *Fetcher {
	return &Fetcher{schema: schema, store: store}
}

// Fetch returns the records of entityType for the event. The selected fields
// are the rules' source paths plus the type's auxiliary, key and
// discriminator fields; "id" is always selected.
func (f *Fetcher) Fetch(ctx context.Context, entityType string, ev Event, rules []MappingRule, opts ...FetchOption) ([]*SourceRecord, error) {
	q, err := f.buildQuery(entityType, ev, rules)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&q)
	}
	d := f.schema.Sources[entityType]
	for _, p := range q.Where {
		if err := d.ValidatePath(p.Field); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", entityType, err)
		}
	}
	recs, err := f.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entityType, err)
	}
	return recs, nil
}

func (f *Fetcher) buildQuery(entityType string, ev Event, rules []MappingRule) (Query, error) {
	d, err := f.schema.Source(entityType)
	if err != nil {
		return Query{}, err
	}

	q := Query{
		EntityType: entityType,
		Table:      d.Table,
		Fields:     []string{FieldID},
		Relations:  d.Relations,
	}
	seen := map[string]bool{FieldID: true}
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		q.Fields = append(q.Fields, path)
	}
	for _, r := range rules {
		add(r.SourceField)
	}
	for _, p := range d.AuxiliaryFields {
		add(p)
	}
	add(d.KeyField)
	add(d.Discriminator)

	for _, c := range d.Filter {
		v := c.Equals
		switch c.Param {
		case ParamEnrollmentID:
			v = ev.EnrollmentID
		case ParamPatientID:
			v = ev.PatientID
		}
		q.Where = append(q.Where, Predicate{Field: c.Field, Value: v})
	}
	return q, nil
}
