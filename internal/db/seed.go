package db

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"linewatch/internal/models"
)

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Line      string   `yaml:"line"`
	Parameter string   `yaml:"parameter"`
	Lower     *float64 `yaml:"lower"`
	Upper     *float64 `yaml:"upper"`
	Enabled   *bool    `yaml:"enabled"`
}

// LoadRuleFile reads alarm rules from a YAML document of the form
//
//	rules:
//	  - line: "*"
//	    parameter: temp_body
//	    upper: 190
//
// A missing line defaults to the wildcard and a missing enabled flag to true.
func LoadRuleFile(path string) ([]models.AlarmRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(b)
}

func ParseRules(b []byte) ([]models.AlarmRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	out := make([]models.AlarmRule, 0, len(f.Rules))
	for i, e := range f.Rules {
		param := strings.TrimSpace(e.Parameter)
		if param == "" {
			return nil, fmt.Errorf("rule %d: parameter is required", i)
		}
		if e.Lower != nil && e.Upper != nil && *e.Lower > *e.Upper {
			return nil, fmt.Errorf("rule %d: lower limit %v above upper limit %v", i, *e.Lower, *e.Upper)
		}
		line := strings.TrimSpace(e.Line)
		if line == "" {
			line = models.WildcardLine
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, models.AlarmRule{
			LineID:        line,
			ParameterName: param,
			LowerLimit:    e.Lower,
			UpperLimit:    e.Upper,
			Enabled:       enabled,
		})
	}
	return out, nil
}
