// Package config loads buslog's TOML configuration and watches it for
// changes.
//
// Loading overlays the file onto baked-in defaults: only keys actually
// present in the file override them, so a sparse config stays sparse and
// new knobs pick up sane values on old files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"callbus/wire"
)

// Duration wraps time.Duration so TOML files can say "500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full buslog configuration.
type Config struct {
	App         string `toml:"app"`
	Mode        string `toml:"mode"` // "sink" receives records, "emit" sends them
	LogLevel    string `toml:"log_level"`
	Listen      string `toml:"listen"`       // UDP bind address for the engine
	Peer        string `toml:"peer"`         // remote engine address (emit mode)
	EndpointID  uint16 `toml:"endpoint_id"`  // endpoint carrying LogRecord traffic
	MetricsAddr string `toml:"metrics_addr"` // prometheus /metrics bind, "" disables

	Engine      EngineConfig      `toml:"engine"`
	Reliability ReliabilityConfig `toml:"reliability"`
	Etcd        EtcdConfig        `toml:"etcd"`
}

// EngineConfig mirrors the engine's runtime knobs.
type EngineConfig struct {
	QueueCapacity  int      `toml:"queue_capacity"`
	ReceiveTimeout Duration `toml:"receive_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
	HandoffTimeout Duration `toml:"handoff_timeout"`
}

// ReliabilityConfig mirrors the delivery monitor's knobs.
type ReliabilityConfig struct {
	AckTimeout  Duration `toml:"ack_timeout"`
	MaxRetries  int      `toml:"max_retries"`
	WindowLimit int      `toml:"window_limit"`
	ResendRate  float64  `toml:"resend_rate"` // resends per second, 0 disables pacing
	ResendBurst int      `toml:"resend_burst"`
}

// EtcdConfig enables registry-based discovery when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints []string `toml:"endpoints"`
	TTL       int64    `toml:"ttl"` // registration lease, seconds
}

// Default returns the configuration buslog runs with when no file is given.
func Default() Config {
	return Config{
		App:        "buslog",
		Mode:       "sink",
		LogLevel:   "info",
		Listen:     "127.0.0.1:7481",
		Peer:       "127.0.0.1:7481",
		EndpointID: 1,
		Engine: EngineConfig{
			QueueCapacity:  256,
			ReceiveTimeout: Duration(500 * time.Millisecond),
			SweepInterval:  Duration(100 * time.Millisecond),
			HandoffTimeout: Duration(time.Second),
		},
		Reliability: ReliabilityConfig{
			AckTimeout:  Duration(500 * time.Millisecond),
			MaxRetries:  2,
			WindowLimit: 1024,
			ResendBurst: 1,
		},
		Etcd: EtcdConfig{
			TTL: 10,
		},
	}
}

// Load reads the TOML file at path and overlays it onto Default(). Only
// keys present in the file override a default; zero values in the file are
// kept as written.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("app") {
		cfg.App = strings.TrimSpace(raw.App)
	}
	if meta.IsDefined("mode") {
		cfg.Mode = strings.TrimSpace(raw.Mode)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("peer") {
		cfg.Peer = strings.TrimSpace(raw.Peer)
	}
	if meta.IsDefined("endpoint_id") {
		cfg.EndpointID = raw.EndpointID
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("engine", "queue_capacity") {
		cfg.Engine.QueueCapacity = raw.Engine.QueueCapacity
	}
	if meta.IsDefined("engine", "receive_timeout") {
		cfg.Engine.ReceiveTimeout = raw.Engine.ReceiveTimeout
	}
	if meta.IsDefined("engine", "sweep_interval") {
		cfg.Engine.SweepInterval = raw.Engine.SweepInterval
	}
	if meta.IsDefined("engine", "handoff_timeout") {
		cfg.Engine.HandoffTimeout = raw.Engine.HandoffTimeout
	}

	if meta.IsDefined("reliability", "ack_timeout") {
		cfg.Reliability.AckTimeout = raw.Reliability.AckTimeout
	}
	if meta.IsDefined("reliability", "max_retries") {
		cfg.Reliability.MaxRetries = raw.Reliability.MaxRetries
	}
	if meta.IsDefined("reliability", "window_limit") {
		cfg.Reliability.WindowLimit = raw.Reliability.WindowLimit
	}
	if meta.IsDefined("reliability", "resend_rate") {
		cfg.Reliability.ResendRate = raw.Reliability.ResendRate
	}
	if meta.IsDefined("reliability", "resend_burst") {
		cfg.Reliability.ResendBurst = raw.Reliability.ResendBurst
	}

	if meta.IsDefined("etcd", "endpoints") {
		cfg.Etcd.Endpoints = raw.Etcd.Endpoints
	}
	if meta.IsDefined("etcd", "ttl") {
		cfg.Etcd.TTL = raw.Etcd.TTL
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the binary could not run with.
func Validate(cfg Config) error {
	if cfg.Mode != "sink" && cfg.Mode != "emit" {
		return fmt.Errorf("config: mode must be \"sink\" or \"emit\", got %q", cfg.Mode)
	}
	if cfg.Mode == "sink" && strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("config: sink mode requires listen")
	}
	if cfg.Mode == "emit" && strings.TrimSpace(cfg.Peer) == "" {
		return fmt.Errorf("config: emit mode requires peer")
	}
	if cfg.EndpointID == wire.AckID {
		return fmt.Errorf("config: endpoint_id %d is reserved for acknowledgments", cfg.EndpointID)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("config: bad log_level %q: %w", cfg.LogLevel, err)
	}
	return nil
}
