package tracking

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultSchema(t *testing.T) {
	s := testSchema(t)
	if s.Version == "" {
		t.Error("expected a schema version")
	}
	for _, name := range requiredEntityTypes {
		if _, err := s.Source(name); err != nil {
			t.Errorf("required source %q: %v", name, err)
		}
	}
	if got := s.Sources[EntityMedicationDosage].KeyField; got != "ndc_code" {
		t.Errorf("dosage key field = %q, want ndc_code", got)
	}
	if got := s.Sources[EntityOrder].KeyField; got != "medication_dosage_id" {
		t.Errorf("order key field = %q, want medication_dosage_id", got)
	}
	if !s.IsTargetField(FieldFulfillmentReceived) || !s.IsTargetField("Enrollment_Status") {
		t.Error("expected builtin and declared target fields")
	}
	if s.IsTargetField("Nope") {
		t.Error("unexpected target field")
	}
}

func TestSchema_OverlayColumnsAreSelected(t *testing.T) {
	s := testSchema(t)
	tests := []struct {
		entityType string
		column     string
	}{
		{EntityConsent, colStatus},
		{EntityConsent, colExpirationDate},
		{EntityCase, colDiagnosis},
		{EntityCoverageBenefit, colPlanStatus},
		{EntityCoverageBenefit, colPlanRole},
		{EntityCoverageBenefit, colPriorAuthRequired},
		{EntityPreauthorization, colCoverageBenefitID},
		{EntityPreauthorization, colPlanRole},
		{EntityCharitableProgram, colProgramType},
		{EntityCharitableProgram, colExpirationDate},
	}
	for _, tt := range tests {
		found := false
		for _, f := range s.Sources[tt.entityType].AuxiliaryFields {
			if f == tt.column {
				found = true
			}
		}
		if !found {
			t.Errorf("%s does not select %s", tt.entityType, tt.column)
		}
	}
}

func TestSource_Unknown(t *testing.T) {
	s := testSchema(t)
	if _, err := s.Source("invoice"); !errors.Is(err, ErrUnknownEntityType) {
		t.Errorf("expected ErrUnknownEntityType, got %v", err)
	}
}

func TestParseSchema_Invalid(t *testing.T) {
	base := string(defaultSchemaYAML)
	tests := []struct {
		name    string
		old     string
		new     string
		wantErr error
	}{
		{"missing required type", "  order:\n    table: fulfillment_order", "  orders:\n    table: fulfillment_order", ErrUnknownEntityType},
		{"unknown base source", "  - copay\n", "  - copays\n", ErrUnknownEntityType},
		{"invalid table", "table: care_program_enrollment", "table: care-program", nil},
		{"unknown targeting", "targeting: plan_role", "targeting: by_role", nil},
		{"unknown param", "param: patient_id", "param: account_id", nil},
		{"undeclared relation path", "- member_plan.status", "- payer.status", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(base, tt.old) {
				t.Fatalf("fixture text %q not found", tt.old)
			}
			_, err := ParseSchema([]byte(strings.Replace(base, tt.old, tt.new, 1)))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseSchema_FilterNeedsOneOfEqualsOrParam(t *testing.T) {
	data := strings.Replace(string(defaultSchemaYAML),
		"      - field: record_type\n        equals: Patient\n",
		"      - field: record_type\n", 1)
	if _, err := ParseSchema([]byte(data)); err == nil {
		t.Error("expected error for filter without equals or param")
	}
}

func TestLoadSchema(t *testing.T) {
	s, err := LoadSchema("")
	if err != nil {
		t.Fatalf("LoadSchema(\"\"): %v", err)
	}
	if len(s.BaseSources) == 0 {
		t.Error("expected base sources")
	}

	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, defaultSchemaYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSchema(path); err != nil {
		t.Errorf("LoadSchema(file): %v", err)
	}
	if _, err := LoadSchema(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
