// Package config loads the detection pipeline configuration from YAML.
// Every field is optional; ApplyDefaults fills in the documented defaults
// so a zero Config is fully usable.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Features  FeatureConfig   `yaml:"features"`
	Rules     RuleConfig      `yaml:"rules"`
	Model     ModelConfig     `yaml:"model"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Notifiers NotifierConfig  `yaml:"notifiers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type FeatureConfig struct {
	MAWindowSec  int     `yaml:"ma_window_sec"`  // default 30
	StdWindowSec int     `yaml:"std_window_sec"` // default 60
	SpikeZ       float64 `yaml:"spike_z"`        // default 2
}

type RuleConfig struct {
	CriticalDropPct   float64 `yaml:"critical_drop_pct"`   // default 0.15
	CriticalWindowSec int     `yaml:"critical_window_sec"` // default 60
	MinorLowPct       float64 `yaml:"minor_low_pct"`       // default 0.05
	MinorHighPct      float64 `yaml:"minor_high_pct"`      // default 0.15
	MinorWindowSec    int     `yaml:"minor_window_sec"`    // default 300
	FlowIncPct        float64 `yaml:"flow_inc_pct"`        // default 0.25
	PressDecPct       float64 `yaml:"press_dec_pct"`       // default 0.02
	RatioDevPct       float64 `yaml:"ratio_dev_pct"`       // default 0.30
}

type ModelConfig struct {
	NumTrees      int   `yaml:"num_trees"`      // default 100
	SubsampleSize int   `yaml:"subsample_size"` // default 256
	Seed          int64 `yaml:"seed"`           // 0 = time-seeded
}

type FusionConfig struct {
	HysteresisConsecutive int     `yaml:"hysteresis_consecutive"` // default 3
	AlertThreshold        float64 `yaml:"alert_threshold"`        // default 50
}

type AlertConfig struct {
	NotifyTimeoutMs int `yaml:"notify_timeout_ms"` // default 2000
}

type PipelineConfig struct {
	IngestQueueCap  int    `yaml:"ingest_queue_cap"`  // default 1024
	IngestPolicy    string `yaml:"ingest_policy"`     // block | drop, default block
	ShutdownGraceMs int    `yaml:"shutdown_grace_ms"` // default 5000
}

type FanoutConfig struct {
	QueueCap int `yaml:"queue_cap"` // default 256
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty = disabled
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"` // empty = disabled
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"` // empty = disabled
	TopicID   string `yaml:"topic_id"`
}

type NotifierConfig struct {
	EmailRecipient string `yaml:"email_recipient"`
	SMSRecipient   string `yaml:"sms_recipient"`
	SlackWebhook   string `yaml:"slack_webhook"`
	SlackChannel   string `yaml:"slack_channel"`
}

// Load reads and decodes the YAML config at path, then applies defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Features.MAWindowSec <= 0 {
		c.Features.MAWindowSec = 30
	}
	if c.Features.StdWindowSec <= 0 {
		c.Features.StdWindowSec = 60
	}
	if c.Features.SpikeZ <= 0 {
		c.Features.SpikeZ = 2
	}
	if c.Rules.CriticalDropPct <= 0 {
		c.Rules.CriticalDropPct = 0.15
	}
	if c.Rules.CriticalWindowSec <= 0 {
		c.Rules.CriticalWindowSec = 60
	}
	if c.Rules.MinorLowPct <= 0 {
		c.Rules.MinorLowPct = 0.05
	}
	if c.Rules.MinorHighPct <= 0 {
		c.Rules.MinorHighPct = 0.15
	}
	if c.Rules.MinorWindowSec <= 0 {
		c.Rules.MinorWindowSec = 300
	}
	if c.Rules.FlowIncPct <= 0 {
		c.Rules.FlowIncPct = 0.25
	}
	if c.Rules.PressDecPct <= 0 {
		c.Rules.PressDecPct = 0.02
	}
	if c.Rules.RatioDevPct <= 0 {
		c.Rules.RatioDevPct = 0.30
	}
	if c.Model.NumTrees <= 0 {
		c.Model.NumTrees = 100
	}
	if c.Model.SubsampleSize <= 0 {
		c.Model.SubsampleSize = 256
	}
	if c.Fusion.HysteresisConsecutive <= 0 {
		c.Fusion.HysteresisConsecutive = 3
	}
	if c.Fusion.AlertThreshold <= 0 {
		c.Fusion.AlertThreshold = 50
	}
	if c.Alerts.NotifyTimeoutMs <= 0 {
		c.Alerts.NotifyTimeoutMs = 2000
	}
	if c.Pipeline.IngestQueueCap <= 0 {
		c.Pipeline.IngestQueueCap = 1024
	}
	if c.Pipeline.IngestPolicy == "" {
		c.Pipeline.IngestPolicy = "block"
	}
	if c.Pipeline.ShutdownGraceMs <= 0 {
		c.Pipeline.ShutdownGraceMs = 5000
	}
	if c.Fanout.QueueCap <= 0 {
		c.Fanout.QueueCap = 256
	}
}
