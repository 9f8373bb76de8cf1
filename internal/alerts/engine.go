// Package alerts evaluates threshold rules against readings. Everything here
// is pure; persistence of the resulting alarms belongs to the caller.
package alerts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"linewatch/internal/models"
)

const (
	CodeLow  = "LOW_LIMIT"
	CodeHigh = "HIGH_LIMIT"
)

// Alarm is one breached (rule, field) pair for a reading.
type Alarm struct {
	Field   string
	Value   float64
	Code    string
	Message string
	RuleID  int64
}

// IsTriggered reports whether v breaches an enabled rule. A rule without
// limits never triggers.
func IsTriggered(rule models.AlarmRule, v float64) bool {
	return Code(rule, v) != ""
}

// Code names the breached bound. The lower bound is checked first.
func Code(rule models.AlarmRule, v float64) string {
	if !rule.Enabled {
		return ""
	}
	if rule.LowerLimit != nil && v < *rule.LowerLimit {
		return CodeLow
	}
	if rule.UpperLimit != nil && v > *rule.UpperLimit {
		return CodeHigh
	}
	return ""
}

// Message describes the breach, or returns "" when nothing is breached.
func Message(rule models.AlarmRule, field string, v float64) string {
	switch Code(rule, v) {
	case CodeLow:
		return fmt.Sprintf("%s value %s below lower limit %s", field, num(v), num(*rule.LowerLimit))
	case CodeHigh:
		return fmt.Sprintf("%s value %s above upper limit %s", field, num(v), num(*rule.UpperLimit))
	}
	return ""
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MatchingRules keeps rules for lineID and wildcard rules.
func MatchingRules(rules []models.AlarmRule, lineID string) []models.AlarmRule {
	out := make([]models.AlarmRule, 0, len(rules))
	for _, r := range rules {
		if r.LineID == lineID || r.LineID == models.WildcardLine {
			out = append(out, r)
		}
	}
	return out
}

// MatchingFields returns the reported fields whose name starts with the
// rule's parameter name, in field table order.
func MatchingFields(r *models.Reading, rule models.AlarmRule) []models.Field {
	var out []models.Field
	for _, f := range models.Fields {
		if !strings.HasPrefix(f.Name, rule.ParameterName) {
			continue
		}
		if _, ok := f.Value(r); ok {
			out = append(out, f)
		}
	}
	return out
}

// Evaluate checks every enabled rule that applies to the reading's line.
func Evaluate(r models.Reading, rules []models.AlarmRule) []Alarm {
	var out []Alarm
	for _, rule := range MatchingRules(rules, r.LineID) {
		if !rule.Enabled {
			continue
		}
		for _, f := range MatchingFields(&r, rule) {
			v, _ := f.Value(&r)
			code := Code(rule, v)
			if code == "" {
				continue
			}
			out = append(out, Alarm{
				Field:   f.Name,
				Value:   v,
				Code:    code,
				Message: Message(rule, f.Name, v),
				RuleID:  rule.ID,
			})
		}
	}
	return out
}

// Annotate attaches alarm state to every reported field. When several rules
// fire on one field the first alarm wins.
func Annotate(r models.Reading, alarms []Alarm) models.AnnotatedReading {
	byField := make(map[string]Alarm, len(alarms))
	for _, a := range alarms {
		if _, seen := byField[a.Field]; !seen {
			byField[a.Field] = a
		}
	}
	out := models.AnnotatedReading{
		TS:                 r.TS,
		LineID:             r.LineID,
		ComponentID:        r.ComponentID,
		BatchProductNumber: r.BatchProductNumber,
		Fields:             make(map[string]models.FieldValue),
	}
	for _, f := range models.Fields {
		v, ok := f.Value(&r)
		if !ok {
			continue
		}
		fv := models.FieldValue{Value: v}
		if a, hit := byField[f.Name]; hit {
			fv.Alarm = true
			fv.AlarmCode = a.Code
			fv.AlarmMessage = a.Message
		}
		out.Fields[f.Name] = fv
	}
	return out
}

// Record builds the persisted form of an alarm raised on r.
func Record(r models.Reading, a Alarm) models.AlarmRecord {
	rec := models.AlarmRecord{
		TS:             r.TS,
		LineID:         r.LineID,
		ParameterName:  a.Field,
		ParameterValue: a.Value,
		AlarmMessage:   a.Message,
	}
	if a.RuleID != 0 {
		id := a.RuleID
		rec.RuleID = &id
	}
	return rec
}

// Event is the payload of an "alarm" broadcast.
type Event struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	LineID        string    `json:"line_id"`
	ComponentID   string    `json:"component_id"`
	ParameterName string    `json:"parameter_name"`
	Value         float64   `json:"parameter_value"`
	Code          string    `json:"alarm_code"`
	Message       string    `json:"alarm_message"`
	New           bool      `json:"new"`
}
