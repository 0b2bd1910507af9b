package tracking

import (
	"context"
	"fmt"
	"strings"
)

// MappingRule copies one source field onto one target field.
type MappingRule struct {
	SourceEntityType string `yaml:"-" json:"source_entity_type"`
	SourceField      string `yaml:"source" json:"source_field"`
	TargetField      string `yaml:"target" json:"target_field"`
}

// RuleSource loads the configured mapping rules.
type RuleSource interface {
	LoadRules(ctx context.Context) ([]MappingRule, error)
}

// Catalog is a validated, read-only snapshot of mapping rules grouped by
// source entity type in configuration order.
type Catalog struct {
	byType map[string][]MappingRule
}

// NewCatalog validates rules against the schema. Rules naming an unknown
// entity type, an undeclared source path or a target outside the closed key
// set are rejected here so that writes never see unknown keys.
func NewCatalog(schema *Schema, rules []MappingRule) (*Catalog, error) {
	c := &Catalog{byType: make(map[string][]MappingRule)}
	for i, r := range rules {
		d, err := schema.Source(r.SourceEntityType)
		if err != nil {
			return nil, fmt.Errorf("mapping rule %d: %w", i, err)
		}
		if err := d.ValidatePath(r.SourceField); err != nil {
			return nil, fmt.Errorf("mapping rule %d (%s): %w", i, r.SourceEntityType, err)
		}
		if !schema.IsTargetField(r.TargetField) {
			return nil, fmt.Errorf("mapping rule %d (%s.%s): %w %q",
				i, r.SourceEntityType, r.SourceField, ErrUnknownTargetField, r.TargetField)
		}
		c.byType[r.SourceEntityType] = append(c.byType[r.SourceEntityType], r)
	}
	return c, nil
}

// RulesFor returns the rules configured for an entity type.
func (c *Catalog) RulesFor(entityType string) []MappingRule {
	return c.byType[entityType]
}

// Len returns the total number of rules.
func (c *Catalog) Len() int {
	n := 0
	for _, rules := range c.byType {
		n += len(rules)
	}
	return n
}

// ApplyOptions tunes a single ApplyRuleSet pass.
type ApplyOptions struct {
	// Source is the descriptor of the record being read; its targeting
	// decides which rules apply. Nil applies every rule.
	Source *SourceDescriptor
	// Capture names a source path whose resolved value is returned.
	Capture string
	// SkipMissing skips rules whose source path is not part of the record
	// shape. Rule sets reused across entity types rely on field-name
	// coincidence and set this. The identity rule always resolves, since
	// "id" is selected for every source.
	SkipMissing bool
}

// ApplyRuleSet copies every applicable rule from src onto dst. Later rules
// targeting the same field overwrite earlier ones.
func ApplyRuleSet(rules []MappingRule, src *SourceRecord, dst *TargetRecord, opts ApplyOptions) (string, error) {
	var captured string
	for _, r := range rules {
		if opts.SkipMissing && !src.Has(r.SourceField) {
			continue
		}
		if !ruleApplies(opts.Source, src, r.TargetField) {
			continue
		}
		v, err := Resolve(src, r.SourceField)
		if err != nil {
			return "", err
		}
		if opts.Capture != "" && r.SourceField == opts.Capture && v != NullMarker {
			captured = v
		}
		dst.Set(r.TargetField, v)
	}
	return captured, nil
}

// ruleApplies implements conditional targeting: member plans only feed the
// fields of their role and charitable programs only feed TPAP fields when
// they are TPAP programs.
func ruleApplies(d *SourceDescriptor, src *SourceRecord, target string) bool {
	if d == nil {
		return true
	}
	switch d.Targeting {
	case TargetingPlanRole:
		role := rawString(src, d.Discriminator)
		return (role == RolePrimary && containsFold(target, RolePrimary)) ||
			(role == RoleSecondary && containsFold(target, RoleSecondary))
	case TargetingProgramType:
		isTPAP := rawString(src, d.Discriminator) == ProgramTPAP
		return isTPAP == containsFold(target, ProgramTPAP)
	default:
		return true
	}
}

// Discriminator values used by the conditional targeting and the overlays.
const (
	RolePrimary   = "Primary"
	RoleSecondary = "Secondary"
	ProgramTPAP   = "TPAP"
	StatusActive  = "Active"
)

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// rawString reads a path without date normalization; absent values are "".
func rawString(rec *SourceRecord, path string) string {
	if rel, field, ok := splitPath(path); ok {
		return rec.Relation(rel).Str(field)
	}
	return rec.Str(path)
}
