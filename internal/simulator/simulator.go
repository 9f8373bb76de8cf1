// Package simulator publishes synthetic extrusion line readings to the broker
// for local runs and demos.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"linewatch/internal/config"
	"linewatch/internal/models"
)

// Config is read from the environment next to the server's config.
type Config struct {
	Lines      []string        `envconfig:"SIM_LINES" default:"line_001,line_002,line_003"`
	Component  string          `envconfig:"SIM_COMPONENT" default:"extruder"`
	Interval   config.Duration `envconfig:"SIM_INTERVAL" default:"1"`
	SpikeRate  float64         `envconfig:"SIM_SPIKE_RATE" default:"0.05"`
	Seed       int64           `envconfig:"SIM_SEED"`
	BatchLabel string          `envconfig:"SIM_BATCH" default:"P-1234"`
}

// nominal values of a healthy line; readings jitter around these.
var nominal = map[string]float64{
	"current_length":         450,
	"target_length":          500,
	"diameter":               5.2,
	"fluoride_concentration": 1.8,
	"temp_body_zone1":        175,
	"temp_body_zone2":        178,
	"temp_body_zone3":        175,
	"temp_body_zone4":        172,
	"temp_flange_zone1":      145,
	"temp_flange_zone2":      142,
	"temp_mold_zone1":        150,
	"temp_mold_zone2":        148,
	"current_body_zone1":     10,
	"current_body_zone2":     10,
	"current_body_zone3":     10.5,
	"current_body_zone4":     9.5,
	"current_flange_zone1":   8,
	"current_flange_zone2":   7,
	"current_mold_zone1":     8.5,
	"current_mold_zone2":     8.5,
	"motor_screw_speed":      120,
	"motor_screw_torque":     75,
	"motor_current":          45,
	"motor_traction_speed":   3.8,
	"motor_vacuum_speed":     20,
	"winder_speed":           280,
	"winder_torque":          70,
	"winder_layer_count":     45,
	"winder_tube_speed":      12,
	"winder_tube_count":      15,
}

type Publisher interface {
	Publish(subject string, data []byte) error
}

type Generator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func NewGenerator(cfg Config) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Reading builds one payload for line at ts. Roughly SpikeRate of the fields
// are pushed 20% above nominal so alarm rules have something to catch.
func (g *Generator) Reading(line string, ts time.Time) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]any{
		"timestamp":            ts.UTC().Format(time.RFC3339Nano),
		"line_id":              line,
		"component_id":         g.cfg.Component,
		"batch_product_number": g.cfg.BatchLabel,
	}
	for _, f := range models.Fields {
		base := nominal[f.Name]
		v := base * (1 + (g.rng.Float64()-0.5)*0.04)
		if g.rng.Float64() < g.cfg.SpikeRate {
			v = base * 1.2
		}
		out[f.Name] = float64(int64(v*100)) / 100
	}
	return out
}

type Simulator struct {
	gen       *Generator
	pub       Publisher
	namespace string
	interval  time.Duration
	log       *slog.Logger
}

func New(cfg Config, pub Publisher, namespace string, logger *slog.Logger) *Simulator {
	interval := cfg.Interval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	return &Simulator{gen: NewGenerator(cfg), pub: pub, namespace: namespace, interval: interval, log: logger}
}

// Tick publishes one reading per line and returns how many were accepted.
func (s *Simulator) Tick(now time.Time) int {
	sent := 0
	for _, line := range s.gen.cfg.Lines {
		b, err := json.Marshal(s.gen.Reading(line, now))
		if err != nil {
			s.log.Error("encode reading", "line_id", line, "err", err)
			continue
		}
		subject := config.SensorSubject(s.namespace, line)
		if err := s.pub.Publish(subject, b); err != nil {
			s.log.Warn("publish failed", "subject", subject, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Run publishes every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if len(s.gen.cfg.Lines) == 0 {
		return fmt.Errorf("no lines configured")
	}
	lim := rate.NewLimiter(rate.Every(s.interval), 1)
	total := 0
	for {
		if err := lim.Wait(ctx); err != nil {
			s.log.Info("simulator stopped", "published", total)
			return nil
		}
		total += s.Tick(time.Now())
	}
}
