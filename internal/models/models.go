package models

import "time"

// WildcardLine is the AlarmRule.LineID that applies to every line.
const WildcardLine = "*"

// Broadcast channels.
const (
	ChannelAll     = "all"
	ChannelSensors = "sensors"
	ChannelAlerts  = "alerts"
)

// Reading is one timestamped sample for a (line, component) pair. Numeric
// fields are optional; a nil pointer means the sensor did not report.
type Reading struct {
	TS          time.Time
	LineID      string
	ComponentID string

	BatchProductNumber *string

	CurrentLength         *float64
	TargetLength          *float64
	Diameter              *float64
	FluorideConcentration *float64

	TempBodyZone1   *float64
	TempBodyZone2   *float64
	TempBodyZone3   *float64
	TempBodyZone4   *float64
	TempFlangeZone1 *float64
	TempFlangeZone2 *float64
	TempMoldZone1   *float64
	TempMoldZone2   *float64

	CurrentBodyZone1   *float64
	CurrentBodyZone2   *float64
	CurrentBodyZone3   *float64
	CurrentBodyZone4   *float64
	CurrentFlangeZone1 *float64
	CurrentFlangeZone2 *float64
	CurrentMoldZone1   *float64
	CurrentMoldZone2   *float64

	MotorScrewSpeed    *float64
	MotorScrewTorque   *float64
	MotorCurrent       *float64
	MotorTractionSpeed *float64
	MotorVacuumSpeed   *float64

	WinderSpeed      *float64
	WinderTorque     *float64
	WinderLayerCount *float64
	WinderTubeSpeed  *float64
	WinderTubeCount  *float64
}

// RawMessage is a broker payload waiting on the task queue.
type RawMessage struct {
	Subject    string
	Payload    []byte
	ReceivedAt time.Time
}

type AlarmRule struct {
	ID            int64     `json:"id"`
	LineID        string    `json:"line_id"`
	ParameterName string    `json:"parameter_name"`
	LowerLimit    *float64  `json:"lower_limit"`
	UpperLimit    *float64  `json:"upper_limit"`
	Enabled       bool      `json:"is_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type AlarmRecord struct {
	ID             int64      `json:"id"`
	TS             time.Time  `json:"timestamp"`
	LineID         string     `json:"line_id"`
	ParameterName  string     `json:"parameter_name"`
	ParameterValue float64    `json:"parameter_value"`
	AlarmMessage   string     `json:"alarm_message"`
	RuleID         *int64     `json:"alarm_rule_id,omitempty"`
	IsAcknowledged bool       `json:"is_acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Envelope is the unit carried by the broadcast queue and written to
// subscribers. Channel selects recipients and is not part of the wire shape
// unless set.
type Envelope struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func Float(v float64) *float64 { return &v }

func String(v string) *string { return &v }
