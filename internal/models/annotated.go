package models

import (
	"encoding/json"
	"time"
)

// FieldValue is one annotated numeric field.
type FieldValue struct {
	Value        float64 `json:"value"`
	Alarm        bool    `json:"alarm"`
	AlarmCode    string  `json:"alarmCode"`
	AlarmMessage string  `json:"alarmMessage"`
}

// AnnotatedReading is a reading whose reported numeric fields carry alarm
// state. It only travels to subscribers and is never stored.
type AnnotatedReading struct {
	TS                 time.Time
	LineID             string
	ComponentID        string
	BatchProductNumber *string
	Fields             map[string]FieldValue
}

// MarshalJSON flattens Fields next to the reading key so subscribers see
// {"line_id": ..., "temp_body_zone1": {"value": ..., "alarm": ...}}.
func (a AnnotatedReading) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Fields)+4)
	for name, fv := range a.Fields {
		out[name] = fv
	}
	out["timestamp"] = a.TS.UTC().Format(time.RFC3339Nano)
	out["line_id"] = a.LineID
	out["component_id"] = a.ComponentID
	if a.BatchProductNumber != nil {
		out["batch_product_number"] = *a.BatchProductNumber
	}
	return json.Marshal(out)
}
