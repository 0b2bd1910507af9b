package tracking

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Source entity types known to the overlays and the fan-out engine. Base
// source types are listed by the schema and may include others.
const (
	EntityEnrollment        = "enrollment"
	EntityAccount           = "account"
	EntityCase              = "case"
	EntityMemberPlan        = "member-plan"
	EntityCoverageBenefit   = "coverage-benefit"
	EntityPreauthorization  = "preauthorization"
	EntityCopay             = "copay"
	EntityCharitableProgram = "charitable-program"
	EntityReferral          = "referral"
	EntityConsent           = "authorization-consent"
	EntityMedicationDosage  = "medication-dosage"
	EntityOrder             = "order"
)

var requiredEntityTypes = []string{
	EntityConsent, EntityCase, EntityCoverageBenefit, EntityPreauthorization,
	EntityCharitableProgram, EntityMedicationDosage, EntityReferral, EntityOrder,
}

// Filter parameters a condition may bind to.
const (
	ParamEnrollmentID = "enrollment_id"
	ParamPatientID    = "patient_id"
)

var (
	ErrUnknownEntityType  = errors.New("unknown source entity type")
	ErrUnknownTargetField = errors.New("unknown target field")
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

//go:embed schema_default.yaml
var defaultSchemaYAML []byte

// Targeting selects the conditional rule filter applied while mapping a
// source type.
type Targeting string

const (
	TargetingNone        Targeting = ""
	TargetingPlanRole    Targeting = "plan_role"
	TargetingProgramType Targeting = "program_type"
)

// Condition is one equality term of a source type's filter. Exactly one of
// Equals and Param is set.
type Condition struct {
	Field  string      `yaml:"field"`
	Equals interface{} `yaml:"equals,omitempty"`
	Param  string      `yaml:"param,omitempty"`
}

// Relation describes a nested sub-record joined through a foreign key.
type Relation struct {
	Table      string `yaml:"table"`
	ForeignKey string `yaml:"foreign_key"`
}

// SourceDescriptor declares how one source entity type is queried.
type SourceDescriptor struct {
	Name            string              `yaml:"-"`
	Table           string              `yaml:"table"`
	Filter          []Condition         `yaml:"filter"`
	AuxiliaryFields []string            `yaml:"auxiliary_fields"`
	Relations       map[string]Relation `yaml:"relations"`
	// KeyField is the natural key used for correlation (referral, order) or
	// captured while mapping (medication dosage).
	KeyField      string    `yaml:"key_field"`
	Targeting     Targeting `yaml:"targeting"`
	Discriminator string    `yaml:"discriminator"`
}

// Schema is the declarative description of the source entity types, the base
// mapping order and the closed set of target fields.
type Schema struct {
	Version      string                       `yaml:"version"`
	BaseSources  []string                     `yaml:"base_sources"`
	Sources      map[string]*SourceDescriptor `yaml:"sources"`
	TargetFields []string                     `yaml:"target_fields"`

	targets map[string]bool
}

// LoadSchema reads and validates a schema file. An empty path loads the
// built-in schema.
func LoadSchema(path string) (*Schema, error) {
	if path == "" {
		return ParseSchema(defaultSchemaYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", path, err)
	}
	return ParseSchema(data)
}

// DefaultSchema returns the built-in schema.
func DefaultSchema() (*Schema, error) {
	return ParseSchema(defaultSchemaYAML)
}

// ParseSchema parses and validates schema YAML.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema YAML: %w", err)
	}
	if s.Version == "" {
		s.Version = "1"
	}
	for name, d := range s.Sources {
		if d == nil {
			return nil, fmt.Errorf("source %q: empty descriptor", name)
		}
		d.Name = name
	}
	s.targets = make(map[string]bool, len(s.TargetFields)+len(builtinTargetFields))
	for _, f := range builtinTargetFields {
		s.targets[f] = true
	}
	for _, f := range s.TargetFields {
		s.targets[f] = true
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every descriptor is well formed and that all entity
// types the engine depends on are declared.
func (s *Schema) Validate() error {
	for _, name := range requiredEntityTypes {
		if _, ok := s.Sources[name]; !ok {
			return fmt.Errorf("schema: %w: %q is required", ErrUnknownEntityType, name)
		}
	}
	for _, name := range s.BaseSources {
		if _, ok := s.Sources[name]; !ok {
			return fmt.Errorf("schema base_sources: %w: %q", ErrUnknownEntityType, name)
		}
	}
	for _, name := range s.sourceNames() {
		if err := s.Sources[name].validate(); err != nil {
			return fmt.Errorf("schema source %q: %w", name, err)
		}
	}
	return nil
}

func (s *Schema) sourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source returns the descriptor of an entity type.
func (s *Schema) Source(entityType string) (*SourceDescriptor, error) {
	d, ok := s.Sources[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return d, nil
}

// IsTargetField reports whether name belongs to the closed target key set.
func (s *Schema) IsTargetField(name string) bool {
	return s.targets[name]
}

func (d *SourceDescriptor) validate() error {
	if !identPattern.MatchString(d.Table) {
		return fmt.Errorf("invalid table %q", d.Table)
	}
	for rel, r := range d.Relations {
		if !identPattern.MatchString(rel) || !identPattern.MatchString(r.Table) || !identPattern.MatchString(r.ForeignKey) {
			return fmt.Errorf("invalid relation %q", rel)
		}
	}
	for _, c := range d.Filter {
		if err := d.ValidatePath(c.Field); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		hasParam := c.Param != ""
		if hasParam == (c.Equals != nil) {
			return fmt.Errorf("filter on %q: exactly one of equals and param is required", c.Field)
		}
		if hasParam && c.Param != ParamEnrollmentID && c.Param != ParamPatientID {
			return fmt.Errorf("filter on %q: unknown param %q", c.Field, c.Param)
		}
	}
	for _, f := range d.AuxiliaryFields {
		if err := d.ValidatePath(f); err != nil {
			return fmt.Errorf("auxiliary field: %w", err)
		}
	}
	if d.KeyField != "" {
		if err := d.ValidatePath(d.KeyField); err != nil {
			return fmt.Errorf("key field: %w", err)
		}
	}
	switch d.Targeting {
	case TargetingNone:
	case TargetingPlanRole, TargetingProgramType:
		if err := d.ValidatePath(d.Discriminator); err != nil {
			return fmt.Errorf("discriminator: %w", err)
		}
	default:
		return fmt.Errorf("unknown targeting %q", d.Targeting)
	}
	return nil
}

// ValidatePath checks that a field path is a column of the source table or of
// one of its declared relations.
func (d *SourceDescriptor) ValidatePath(path string) error {
	rel, field, nested := splitPath(path)
	if nested {
		if _, ok := d.Relations[rel]; !ok {
			return fmt.Errorf("path %q: undeclared relation %q", path, rel)
		}
	}
	if !identPattern.MatchString(field) {
		return fmt.Errorf("path %q: invalid field name", path)
	}
	return nil
}
