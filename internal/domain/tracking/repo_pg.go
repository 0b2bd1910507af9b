package tracking

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/tracking/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Source store --

type sourceStorePG struct{ pool *pgxpool.Pool }

func NewSourceStorePG(pool *pgxpool.Pool) SourceStore {
	return &sourceStorePG{pool: pool}
}

const baseAlias = "t"

func relationAlias(rel string) string { return "r_" + rel }

// buildSourceSQL renders a Query as a SELECT with one LEFT JOIN per relation.
// Every selected relation also selects its id so an absent sub-record can be
// told apart from one with null fields.
func buildSourceSQL(q Query) (string, pgx.NamedArgs) {
	cols := make([]string, 0, len(q.Fields))
	selected := make(map[string]bool, len(q.Fields))
	usedRels := make(map[string]bool)
	var relOrder []string

	column := func(path string) string {
		if rel, field, ok := splitPath(path); ok {
			if !usedRels[rel] {
				usedRels[rel] = true
				relOrder = append(relOrder, rel)
			}
			return pgx.Identifier{relationAlias(rel), field}.Sanitize()
		}
		return pgx.Identifier{baseAlias, path}.Sanitize()
	}
	selectPath := func(path string) {
		if selected[path] {
			return
		}
		selected[path] = true
		cols = append(cols, column(path)+" AS "+pgx.Identifier{path}.Sanitize())
	}

	for _, f := range q.Fields {
		selectPath(f)
	}
	for _, rel := range append([]string(nil), relOrder...) {
		selectPath(rel + pathSeparator + FieldID)
	}

	args := pgx.NamedArgs{}
	var where []string
	for i, p := range q.Where {
		name := fmt.Sprintf("p%d", i)
		where = append(where, column(p.Field)+" = @"+name)
		args[name] = p.Value
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(pgx.Identifier{q.Table}.Sanitize() + " " + baseAlias)
	for _, rel := range relOrder {
		r := q.Relations[rel]
		alias := relationAlias(rel)
		fmt.Fprintf(&sb, " LEFT JOIN %s %s ON %s = %s",
			pgx.Identifier{r.Table}.Sanitize(), alias,
			pgx.Identifier{alias, FieldID}.Sanitize(),
			pgx.Identifier{baseAlias, r.ForeignKey}.Sanitize())
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY " + pgx.Identifier{baseAlias, "created_at"}.Sanitize() + " ASC")
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), args
}

func (s *sourceStorePG) Query(ctx context.Context, q Query) ([]*SourceRecord, error) {
	sql, args := buildSourceSQL(q)
	rows, err := conn(ctx, s.pool).Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	var out []*SourceRecord
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, assembleRecord(q.EntityType, fds, vals))
	}
	return out, rows.Err()
}

func assembleRecord(entityType string, fds []pgconn.FieldDescription, vals []interface{}) *SourceRecord {
	rec := NewSourceRecord(entityType)
	for i, fd := range fds {
		rel, field, nested := splitPath(fd.Name)
		if !nested {
			rec.Fields[field] = vals[i]
			continue
		}
		sub := rec.Related[rel]
		if sub == nil {
			sub = NewSourceRecord(rel)
			rec.Related[rel] = sub
		}
		sub.Fields[field] = vals[i]
	}
	for rel, sub := range rec.Related {
		if sub.Get(FieldID) == nil {
			rec.Related[rel] = nil
		}
	}
	return rec
}

// -- Tracking repository --

type trackingRepoPG struct{ pool *pgxpool.Pool }

func NewTrackingRepoPG(pool *pgxpool.Pool) TrackingRepository {
	return &trackingRepoPG{pool: pool}
}

var trackingCols = []string{"id", "enrollment_id", "patient_id", "fields", "created_at"}

func (r *trackingRepoPG) BulkCreate(ctx context.Context, records []*TargetRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	return conn(ctx, r.pool).CopyFrom(ctx, pgx.Identifier{"tracking_record"}, trackingCols,
		pgx.CopyFromSlice(len(records), func(i int) ([]interface{}, error) {
			t := records[i]
			return []interface{}{t.ID, t.EnrollmentID, t.PatientID, t.Fields, t.CreatedAt}, nil
		}))
}

func (r *trackingRepoPG) ListByEnrollment(ctx context.Context, enrollmentID string, limit, offset int) ([]*TargetRecord, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM tracking_record WHERE enrollment_id = $1`, enrollmentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+strings.Join(trackingCols, ", ")+`
		FROM tracking_record WHERE enrollment_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		enrollmentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TargetRecord
	for rows.Next() {
		var t TargetRecord
		if err := rows.Scan(&t.ID, &t.EnrollmentID, &t.PatientID, &t.Fields, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &t)
	}
	return items, total, rows.Err()
}

// -- Mapping rules --

type ruleSourcePG struct{ pool *pgxpool.Pool }

// NewRuleSourcePG reads active rules from the mapping_rule table.
func NewRuleSourcePG(pool *pgxpool.Pool) RuleSource {
	return &ruleSourcePG{pool: pool}
}

func (r *ruleSourcePG) LoadRules(ctx context.Context) ([]MappingRule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT source_entity_type, source_field, target_field
		FROM mapping_rule
		WHERE active
		ORDER BY source_entity_type, position, id`)
	if err != nil {
		return nil, fmt.Errorf("query mapping rules: %w", err)
	}
	defer rows.Close()
	var rules []MappingRule
	for rows.Next() {
		var m MappingRule
		if err := rows.Scan(&m.SourceEntityType, &m.SourceField, &m.TargetField); err != nil {
			return nil, fmt.Errorf("scan mapping rule: %w", err)
		}
		rules = append(rules, m)
	}
	return rules, rows.Err()
}
