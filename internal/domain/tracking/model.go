package tracking

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event asks for a refreshed tracking snapshot of one enrollment.
type Event struct {
	EnrollmentID string `json:"enrollmentId"`
	PatientID    string `json:"patientId"`
}

// SourceRecord is a row fetched from one source entity type. Field names are
// the store's column names; nested sub-records are reached through Related.
type SourceRecord struct {
	Type    string
	Fields  map[string]interface{}
	Related map[string]*SourceRecord
}

// NewSourceRecord creates an empty record of the given entity type.
func NewSourceRecord(entityType string) *SourceRecord {
	return &SourceRecord{
		Type:    entityType,
		Fields:  make(map[string]interface{}),
		Related: make(map[string]*SourceRecord),
	}
}

// Get returns the raw value of a top-level field.
func (r *SourceRecord) Get(field string) interface{} {
	if r == nil {
		return nil
	}
	return r.Fields[field]
}

// Str returns a top-level field rendered as a string, or "" when absent.
func (r *SourceRecord) Str(field string) string {
	v := r.Get(field)
	if v == nil {
		return ""
	}
	return formatValue(v)
}

// Relation returns the nested sub-record for a relation, or nil when the
// record has no such sub-record.
func (r *SourceRecord) Relation(name string) *SourceRecord {
	if r == nil {
		return nil
	}
	return r.Related[name]
}

// Has reports whether the record shape carries the given path. A selected
// relation whose sub-record is absent still counts as present.
func (r *SourceRecord) Has(path string) bool {
	if r == nil {
		return false
	}
	if rel, field, ok := splitPath(path); ok {
		sub, selected := r.Related[rel]
		if !selected {
			return false
		}
		if sub == nil {
			return true
		}
		_, ok := sub.Fields[field]
		return ok
	}
	_, ok := r.Fields[path]
	return ok
}

// ID returns the record identity.
func (r *SourceRecord) ID() string {
	return r.Str(FieldID)
}

// Target field names written by the overlays and the fan-out engine. Mapping
// rules may target these and any field listed in the schema.
const (
	FieldPHIConsent           = "PHI_Consent"
	FieldHIPAAConsent         = "HIPAA_Consent"
	FieldConsentExpiration    = "Consent_Expiration"
	FieldConsentDate          = "Consent_Date"
	FieldReferralSource       = "Referral_Source"
	FieldPriorAuthRequired    = "Primary_Prior_Auth_Required"
	FieldPrimaryBenefitType   = "Primary_Benefit_Type"
	FieldPrimaryCopayAmount   = "Primary_Copay_Amount"
	FieldPrimaryOOPMax        = "Primary_OOP_Max"
	FieldSecondaryBenefitType = "Secondary_Benefit_Type"
	FieldSecondaryCopayAmount = "Secondary_Copay_Amount"
	FieldPAStatus             = "PA_Status"
	FieldPAExpiration         = "PA_Expiration"
	FieldTPAPExpiration       = "TPAP_Expiration"
	FieldIndication           = "Indication"
	FieldPatientState         = "Patient_State"
	FieldFulfillmentReceived  = "Fulfillment_Received"
)

// builtinTargetFields are always part of the closed target key set.
var builtinTargetFields = []string{
	FieldPHIConsent, FieldHIPAAConsent, FieldConsentExpiration, FieldConsentDate,
	FieldReferralSource, FieldPriorAuthRequired, FieldPrimaryBenefitType,
	FieldPrimaryCopayAmount, FieldPrimaryOOPMax, FieldSecondaryBenefitType,
	FieldSecondaryCopayAmount, FieldPAStatus, FieldPAExpiration, FieldTPAPExpiration,
	FieldIndication, FieldPatientState, FieldFulfillmentReceived,
}

const (
	flagYes = "Y"
	flagNo  = "N"

	defaultReferralSource = "HUB"
	defaultPatientState   = "NA"
)

// TargetRecord is one tracking record. ID and CreatedAt are system fields and
// never copied by Clone.
type TargetRecord struct {
	ID           uuid.UUID         `json:"id"`
	EnrollmentID string            `json:"enrollment_id"`
	PatientID    string            `json:"patient_id"`
	Fields       map[string]string `json:"fields"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewTargetRecord creates the base record for an event with default fields set.
func NewTargetRecord(ev Event) *TargetRecord {
	return &TargetRecord{
		ID:           uuid.New(),
		EnrollmentID: ev.EnrollmentID,
		PatientID:    ev.PatientID,
		Fields: map[string]string{
			FieldPHIConsent:        flagNo,
			FieldHIPAAConsent:      flagNo,
			FieldReferralSource:    defaultReferralSource,
			FieldPriorAuthRequired: flagNo,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Get returns a field value, "" when unset.
func (t *TargetRecord) Get(field string) string {
	return t.Fields[field]
}

// Set writes a field value.
func (t *TargetRecord) Set(field, value string) {
	t.Fields[field] = value
}

// Clone copies the record's current fields into a new record with its own
// system fields.
func (t *TargetRecord) Clone() *TargetRecord {
	fields := make(map[string]string, len(t.Fields))
	for k, v := range t.Fields {
		fields[k] = v
	}
	return &TargetRecord{
		ID:           uuid.New(),
		EnrollmentID: t.EnrollmentID,
		PatientID:    t.PatientID,
		Fields:       fields,
		CreatedAt:    time.Now().UTC(),
	}
}

// finalize restores whitelisted defaults left blank by mapping.
func (t *TargetRecord) finalize() {
	if strings.TrimSpace(t.Get(FieldPatientState)) == "" {
		t.Set(FieldPatientState, defaultPatientState)
	}
	if strings.TrimSpace(t.Get(FieldReferralSource)) == "" {
		t.Set(FieldReferralSource, defaultReferralSource)
	}
}

// Accumulator collects the tracking records produced by one batch. It is
// owned by a single ProcessBatch call and is not safe for concurrent use.
type Accumulator struct {
	records []*TargetRecord
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add appends a record.
func (a *Accumulator) Add(r *TargetRecord) {
	a.records = append(a.records, r)
}

// Records returns the accumulated records in insertion order.
func (a *Accumulator) Records() []*TargetRecord {
	return a.records
}

// Len returns the number of accumulated records.
func (a *Accumulator) Len() int {
	return len(a.records)
}
