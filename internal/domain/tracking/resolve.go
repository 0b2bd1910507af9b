package tracking

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// NullMarker is what a missing or null source value resolves to.
const NullMarker = "null"

// FieldID is the identity column every source record carries.
const FieldID = "id"

const pathSeparator = "."

// ErrInvalidDate is returned (wrapped in a *DateError) when a date field does
// not hold a calendar date.
var ErrInvalidDate = errors.New("invalid date value")

// DateError reports the field and value that failed date normalization.
type DateError struct {
	EntityType string
	Path       string
	Value      string
}

func (e *DateError) Error() string {
	return fmt.Sprintf("%s.%s: %v %q", e.EntityType, e.Path, ErrInvalidDate, e.Value)
}

func (e *DateError) Unwrap() error { return ErrInvalidDate }

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Resolve reads a field path from a source record and renders it as a string.
//
// A path of the form "relation.field" is read from the nested sub-record; an
// absent sub-record resolves to NullMarker. When the field name contains
// "date" the value is normalized to YYYYMMDD and a value that is not a date
// is an error.
func Resolve(rec *SourceRecord, path string) (string, error) {
	src, field := rec, path
	if rel, f, ok := splitPath(path); ok {
		src, field = rec.Relation(rel), f
		if src == nil {
			return NullMarker, nil
		}
	}

	v := src.Get(field)
	if v == nil {
		return NullMarker, nil
	}
	if !isDateField(field) {
		return formatValue(v), nil
	}

	d, ok := toDate(v)
	if !ok {
		return "", &DateError{EntityType: rec.Type, Path: path, Value: formatValue(v)}
	}
	return d.Format("20060102"), nil
}

func isDateField(name string) bool {
	return strings.Contains(strings.ToLower(name), "date")
}

func toDate(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case pgtype.Date:
		return t.Time, t.Valid
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if d, err := time.Parse(layout, s); err == nil {
				return d, true
			}
		}
	}
	return time.Time{}, false
}

// formatValue renders a non-date value in its canonical string form.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return NullMarker
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return decimal.NewFromFloat32(t).String()
	case float64:
		return decimal.NewFromFloat(t).String()
	case decimal.Decimal:
		return t.String()
	case pgtype.Numeric:
		if !t.Valid || t.NaN || t.Int == nil {
			return NullMarker
		}
		return decimal.NewFromBigInt(t.Int, t.Exp).String()
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case [16]byte:
		return uuid.UUID(t).String()
	case uuid.UUID:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// splitPath splits "relation.field" into its parts.
func splitPath(path string) (relation, field string, ok bool) {
	i := strings.Index(path, pathSeparator)
	if i < 0 {
		return "", path, false
	}
	return path[:i], path[i+1:], true
}
