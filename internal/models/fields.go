package models

// Field binds a wire/column name to the Reading field that stores it.
type Field struct {
	Name string
	Ptr  func(r *Reading) **float64
}

// Fields lists every numeric reading field in column order. Alarm matching,
// persistence and annotation all iterate this table.
var Fields = []Field{
	{"current_length", func(r *Reading) **float64 { return &r.CurrentLength }},
	{"target_length", func(r *Reading) **float64 { return &r.TargetLength }},
	{"diameter", func(r *Reading) **float64 { return &r.Diameter }},
	{"fluoride_concentration", func(r *Reading) **float64 { return &r.FluorideConcentration }},

	{"temp_body_zone1", func(r *Reading) **float64 { return &r.TempBodyZone1 }},
	{"temp_body_zone2", func(r *Reading) **float64 { return &r.TempBodyZone2 }},
	{"temp_body_zone3", func(r *Reading) **float64 { return &r.TempBodyZone3 }},
	{"temp_body_zone4", func(r *Reading) **float64 { return &r.TempBodyZone4 }},
	{"temp_flange_zone1", func(r *Reading) **float64 { return &r.TempFlangeZone1 }},
	{"temp_flange_zone2", func(r *Reading) **float64 { return &r.TempFlangeZone2 }},
	{"temp_mold_zone1", func(r *Reading) **float64 { return &r.TempMoldZone1 }},
	{"temp_mold_zone2", func(r *Reading) **float64 { return &r.TempMoldZone2 }},

	{"current_body_zone1", func(r *Reading) **float64 { return &r.CurrentBodyZone1 }},
	{"current_body_zone2", func(r *Reading) **float64 { return &r.CurrentBodyZone2 }},
	{"current_body_zone3", func(r *Reading) **float64 { return &r.CurrentBodyZone3 }},
	{"current_body_zone4", func(r *Reading) **float64 { return &r.CurrentBodyZone4 }},
	{"current_flange_zone1", func(r *Reading) **float64 { return &r.CurrentFlangeZone1 }},
	{"current_flange_zone2", func(r *Reading) **float64 { return &r.CurrentFlangeZone2 }},
	{"current_mold_zone1", func(r *Reading) **float64 { return &r.CurrentMoldZone1 }},
	{"current_mold_zone2", func(r *Reading) **float64 { return &r.CurrentMoldZone2 }},

	{"motor_screw_speed", func(r *Reading) **float64 { return &r.MotorScrewSpeed }},
	{"motor_screw_torque", func(r *Reading) **float64 { return &r.MotorScrewTorque }},
	{"motor_current", func(r *Reading) **float64 { return &r.MotorCurrent }},
	{"motor_traction_speed", func(r *Reading) **float64 { return &r.MotorTractionSpeed }},
	{"motor_vacuum_speed", func(r *Reading) **float64 { return &r.MotorVacuumSpeed }},

	{"winder_speed", func(r *Reading) **float64 { return &r.WinderSpeed }},
	{"winder_torque", func(r *Reading) **float64 { return &r.WinderTorque }},
	{"winder_layer_count", func(r *Reading) **float64 { return &r.WinderLayerCount }},
	{"winder_tube_speed", func(r *Reading) **float64 { return &r.WinderTubeSpeed }},
	{"winder_tube_count", func(r *Reading) **float64 { return &r.WinderTubeCount }},
}

// Value returns the field's value on r and whether it was reported.
func (f Field) Value(r *Reading) (float64, bool) {
	p := *f.Ptr(r)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Set stores v on r.
func (f Field) Set(r *Reading, v float64) {
	*f.Ptr(r) = &v
}
