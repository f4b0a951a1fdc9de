// Package config loads engine and per-tenant configuration from YAML and
// environment, validates it, and hot-reloads on file change. Tenants supply
// values only; there is no rule language.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// Weights are the per-category fusion weights. They must sum to 1.
type Weights struct {
	AML        float64 `mapstructure:"aml" json:"aml" validate:"gte=0,lte=1"`
	Fraud      float64 `mapstructure:"fraud" json:"fraud" validate:"gte=0,lte=1"`
	Pattern    float64 `mapstructure:"pattern" json:"pattern" validate:"gte=0,lte=1"`
	Velocity   float64 `mapstructure:"velocity" json:"velocity" validate:"gte=0,lte=1"`
	Geographic float64 `mapstructure:"geographic" json:"geographic" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.AML + w.Fraud + w.Pattern + w.Velocity + w.Geographic
}

// Thresholds map composite score to risk level and SAR requirements.
type Thresholds struct {
	Critical float64 `mapstructure:"critical" json:"critical" validate:"gte=0,lte=100"`
	High     float64 `mapstructure:"high" json:"high" validate:"gte=0,lte=100"`
	Medium   float64 `mapstructure:"medium" json:"medium" validate:"gte=0,lte=100"`
	SAR      float64 `mapstructure:"sar" json:"sar" validate:"gte=0,lte=100"`
	SARFraud float64 `mapstructure:"sar_fraud" json:"sar_fraud" validate:"gte=0,lte=100"`
}

// Windows configure the velocity window durations.
type Windows struct {
	Vel1m  time.Duration `mapstructure:"vel_1m" json:"vel_1m"`
	Vel1h  time.Duration `mapstructure:"vel_1h" json:"vel_1h"`
	Vel24h time.Duration `mapstructure:"vel_24h" json:"vel_24h"`
	Vel7d  time.Duration `mapstructure:"vel_7d" json:"vel_7d"`
	Vel30d time.Duration `mapstructure:"vel_30d" json:"vel_30d"`
}

// Timeouts bound the synchronous decision path and screening calls.
type Timeouts struct {
	DecisionDeadline     time.Duration `mapstructure:"decision_deadline" json:"decision_deadline"`
	ScreeningTotal       time.Duration `mapstructure:"screening_total" json:"screening_total"`
	ScreeningPerProvider time.Duration `mapstructure:"screening_per_provider" json:"screening_per_provider"`
}

// CriticalAction selects the action taken on a CRITICAL composite.
type CriticalAction string

const (
	CriticalBlock CriticalAction = "BLOCK"
	CriticalFlag  CriticalAction = "FLAG"
)

// Policies are the per-tenant decision policies.
type Policies struct {
	ActionOnCritical CriticalAction `mapstructure:"action_on_critical" json:"action_on_critical" validate:"oneof=BLOCK FLAG"`
	FailClosed       bool           `mapstructure:"fail_closed" json:"fail_closed"`
	AllowOnTimeout   bool           `mapstructure:"allow_on_timeout" json:"allow_on_timeout"`
}

// DetectorParams are threshold overrides for the detector set.
type DetectorParams struct {
	// ReportingThreshold is the regulatory cash reporting threshold the
	// structuring detector watches amounts cluster below.
	ReportingThreshold  float64 `mapstructure:"reporting_threshold" json:"reporting_threshold" validate:"gt=0"`
	StructuringMinCount int     `mapstructure:"structuring_min_count" json:"structuring_min_count" validate:"gte=2"`
	VelocityMaxPerMin   int64   `mapstructure:"velocity_max_per_min" json:"velocity_max_per_min" validate:"gt=0"`
	VelocityMaxAmount1h float64 `mapstructure:"velocity_max_amount_1h" json:"velocity_max_amount_1h" validate:"gt=0"`
	TimeAnomalySigma    float64 `mapstructure:"time_anomaly_sigma" json:"time_anomaly_sigma" validate:"gt=0"`
	MinBaselineEvents   int64   `mapstructure:"min_baseline_events" json:"min_baseline_events" validate:"gte=0"`
	HighRiskCountries   []string `mapstructure:"high_risk_countries" json:"high_risk_countries"`
}

// Provider configures one screening provider subscription.
type Provider struct {
	Name     string   `mapstructure:"name" json:"name" validate:"required"`
	Endpoint string   `mapstructure:"endpoint" json:"endpoint"`
	APIKey   string   `mapstructure:"api_key" json:"-"`
	Lists    []string `mapstructure:"lists" json:"lists" validate:"min=1"`
	// MaxRetries and backoff govern the per-provider retry policy.
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff" json:"backoff"`
}

// Tenant is the complete per-tenant configuration surface.
type Tenant struct {
	TenantID         string         `mapstructure:"tenant_id" json:"tenant_id" validate:"required"`
	Weights          Weights        `mapstructure:"weights" json:"weights"`
	Thresholds       Thresholds     `mapstructure:"thresholds" json:"thresholds"`
	Windows          Windows        `mapstructure:"windows" json:"windows"`
	Timeouts         Timeouts       `mapstructure:"timeouts" json:"timeouts"`
	Policies         Policies       `mapstructure:"policies" json:"policies"`
	Detectors        DetectorParams `mapstructure:"detectors" json:"detectors"`
	EnabledDetectors []string       `mapstructure:"enabled_detectors" json:"enabled_detectors"`
	Providers        []Provider     `mapstructure:"providers" json:"providers"`
	ScreeningTTL     time.Duration  `mapstructure:"screening_ttl" json:"screening_ttl"`
}

// Engine is the process-wide configuration.
type Engine struct {
	Workers          int           `mapstructure:"workers" json:"workers" validate:"gt=0"`
	SubjectQueueMax  int           `mapstructure:"subject_queue_max" json:"subject_queue_max" validate:"gt=0"`
	DedupeCapacity   int           `mapstructure:"dedupe_capacity" json:"dedupe_capacity" validate:"gt=0"`
	ReorderWindow    time.Duration `mapstructure:"reorder_window" json:"reorder_window"`
	BaselineHalfLife time.Duration `mapstructure:"baseline_half_life" json:"baseline_half_life"`
	SnapshotEvery    int           `mapstructure:"snapshot_every" json:"snapshot_every"`

	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	Kafka KafkaConfig `mapstructure:"kafka" json:"kafka"`
	Redis RedisConfig `mapstructure:"redis" json:"redis"`

	OpsListenAddr string `mapstructure:"ops_listen_addr" json:"ops_listen_addr"`
}

// KafkaConfig configures the inbound event log and outbound queues.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers" json:"brokers"`
	EventTopic  string   `mapstructure:"event_topic" json:"event_topic"`
	ReviewTopic string   `mapstructure:"review_topic" json:"review_topic"`
	SARTopic    string   `mapstructure:"sar_topic" json:"sar_topic"`
	GroupID     string   `mapstructure:"group_id" json:"group_id"`
}

// RedisConfig configures the screening cache tier. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
}

// Config is the root document.
type Config struct {
	Engine  Engine   `mapstructure:"engine" json:"engine"`
	Tenants []Tenant `mapstructure:"tenants" json:"tenants"`
}

// DefaultTenant returns a tenant configuration with the documented defaults.
func DefaultTenant(tenantID string) Tenant {
	return Tenant{
		TenantID: tenantID,
		Weights: Weights{
			AML:        0.30,
			Fraud:      0.25,
			Pattern:    0.15,
			Velocity:   0.15,
			Geographic: 0.15,
		},
		Thresholds: Thresholds{
			Critical: 90,
			High:     70,
			Medium:   40,
			SAR:      85,
			SARFraud: 80,
		},
		Windows: Windows{
			Vel1m:  time.Minute,
			Vel1h:  time.Hour,
			Vel24h: 24 * time.Hour,
			Vel7d:  7 * 24 * time.Hour,
			Vel30d: 30 * 24 * time.Hour,
		},
		Timeouts: Timeouts{
			DecisionDeadline:     500 * time.Millisecond,
			ScreeningTotal:       2 * time.Second,
			ScreeningPerProvider: 800 * time.Millisecond,
		},
		Policies: Policies{
			ActionOnCritical: CriticalBlock,
			FailClosed:       false,
			AllowOnTimeout:   true,
		},
		Detectors: DetectorParams{
			ReportingThreshold:  10000,
			StructuringMinCount: 3,
			VelocityMaxPerMin:   10,
			VelocityMaxAmount1h: 50000,
			TimeAnomalySigma:    3,
			MinBaselineEvents:   20,
			HighRiskCountries:   []string{"KP", "IR", "SY", "CU", "MM"},
		},
		EnabledDetectors: nil, // nil means all
		ScreeningTTL:     12 * time.Hour,
	}
}

// DefaultEngine returns engine defaults suitable for a single node.
func DefaultEngine() Engine {
	return Engine{
		Workers:          32,
		SubjectQueueMax:  256,
		DedupeCapacity:   100000,
		ReorderWindow:    2 * time.Second,
		BaselineHalfLife: 30 * 24 * time.Hour,
		SnapshotEvery:    1000,
		DataDir:          "./data",
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			EventTopic:  "compliance.events",
			ReviewTopic: "compliance.review",
			SARTopic:    "compliance.sar",
			GroupID:     "sentinel",
		},
		OpsListenAddr: ":9090",
	}
}

// DetectorEnabled reports whether a detector is enabled for the tenant.
// A nil EnabledDetectors set enables everything.
func (t *Tenant) DetectorEnabled(id string) bool {
	if t.EnabledDetectors == nil {
		return true
	}
	for _, d := range t.EnabledDetectors {
		if d == id {
			return true
		}
	}
	return false
}

const weightSumTolerance = 1e-6

// Validate checks the configuration against the documented constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Tenants))
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if _, dup := seen[t.TenantID]; dup {
			return fmt.Errorf("duplicate tenant %q", t.TenantID)
		}
		seen[t.TenantID] = struct{}{}
		if math.Abs(t.Weights.Sum()-1.0) > weightSumTolerance {
			return fmt.Errorf("tenant %s: weights sum to %.6f, want 1.0", t.TenantID, t.Weights.Sum())
		}
		th := t.Thresholds
		if !(th.Medium <= th.High && th.High <= th.Critical) {
			return fmt.Errorf("tenant %s: thresholds must be ordered medium <= high <= critical", t.TenantID)
		}
	}
	return nil
}
