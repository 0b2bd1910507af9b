package tracking

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules map[string][]MappingRule `yaml:"rules"`
}

// FileRuleSource reads mapping rules from a YAML file:
//
//	rules:
//	  enrollment:
//	    - source: status
//	      target: Enrollment_Status
type FileRuleSource struct {
	path string
}

func NewFileRuleSource(path string) *FileRuleSource {
	return &FileRuleSource{path: path}
}

func (f *FileRuleSource) LoadRules(_ context.Context) ([]MappingRule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", f.path, err)
	}
	return ParseRules(data)
}

// ParseRules parses rules YAML. Entity types are emitted in name order and
// rules keep their file order within a type.
func ParseRules(data []byte) ([]MappingRule, error) {
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules YAML: %w", err)
	}
	types := make([]string, 0, len(rf.Rules))
	for t := range rf.Rules {
		types = append(types, t)
	}
	sort.Strings(types)

	var rules []MappingRule
	for _, t := range types {
		for _, r := range rf.Rules[t] {
			if r.SourceField == "" || r.TargetField == "" {
				return nil, fmt.Errorf("rules for %q: source and target are required", t)
			}
			r.SourceEntityType = t
			rules = append(rules, r)
		}
	}
	return rules, nil
}
