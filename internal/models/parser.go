package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Zone-less layouts parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseReading decodes a broker payload. line_id and component_id are
// required. A missing or unreadable timestamp falls back to receivedAt, and a
// timestamp without a zone is taken as UTC. Unknown keys are ignored.
func ParseReading(payload []byte, receivedAt time.Time) (Reading, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		return Reading{}, fmt.Errorf("decode payload: not an object")
	}

	var r Reading
	var err error
	if r.LineID, err = requiredID(raw, "line_id"); err != nil {
		return Reading{}, err
	}
	if r.ComponentID, err = requiredID(raw, "component_id"); err != nil {
		return Reading{}, err
	}

	r.TS = receivedAt.UTC()
	if v, ok := raw["timestamp"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			if ts, ok := parseTimestamp(s); ok {
				r.TS = ts
			}
		}
	}

	if v, ok := raw["batch_product_number"]; ok {
		if s, ok := scalarString(v); ok && s != "" {
			r.BatchProductNumber = &s
		}
	}

	for _, f := range Fields {
		v, ok := raw[f.Name]
		if !ok {
			continue
		}
		n, ok, err := number(v)
		if err != nil {
			return Reading{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if ok {
			f.Set(&r, n)
		}
	}
	return r, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func requiredID(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	s, ok := scalarString(v)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("invalid %s", key)
	}
	return strings.TrimSpace(s), nil
}

// scalarString accepts a JSON string or number.
func scalarString(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// number accepts a JSON number or a numeric string. null and "" mean the
// field was not reported. NaN and infinities are rejected since they can be
// neither compared against limits nor encoded for subscribers.
func number(v json.RawMessage) (float64, bool, error) {
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return 0, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		f, err := n.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("not a finite number: %s", n)
		}
		return f, true, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, false, fmt.Errorf("not a number")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("not a finite number: %q", s)
	}
	return f, true, nil
}
