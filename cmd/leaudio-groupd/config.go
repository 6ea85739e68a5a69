package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/coordinator"
	"leaudio-groupd/internal/statemachine"
)

type Config struct {
	HCI struct {
		Port   string `yaml:"port"`
		Baud   int    `yaml:"baud"`
		ACLMTU int    `yaml:"acl_mtu"` // 0 keeps the controller's reported size
	} `yaml:"hci"`
	Engine struct {
		TransitionTimeout   time.Duration `yaml:"transition_timeout"`
		LinkQualityReports  bool          `yaml:"link_quality_reports"`
		LinkQualityInterval time.Duration `yaml:"link_quality_interval"`
		CodecLocation       string        `yaml:"codec_location"` // "host" or "controller"
		MaxCis              int           `yaml:"max_cis"`
	} `yaml:"engine"`
	Groups []groupConfig `yaml:"groups"`
	Web    struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ProfilesDir string `yaml:"profiles_dir"`
	ScriptsDir  string `yaml:"scripts_dir"`
}

type groupConfig struct {
	ID      int            `yaml:"id"`
	Devices []deviceConfig `yaml:"devices"`
}

type deviceConfig struct {
	Address      string      `yaml:"address"`
	ControlPoint uint16      `yaml:"control_point"`
	ASEs         []aseConfig `yaml:"ases"`
}

type aseConfig struct {
	Handle    uint16 `yaml:"handle"`
	Direction string `yaml:"direction"`
	ID        uint8  `yaml:"id"`
}

func (c *Config) validate() error {
	if c.HCI.Port == "" {
		return fmt.Errorf("hci.port is required")
	}
	if c.HCI.ACLMTU < 0 {
		return fmt.Errorf("hci.acl_mtu must not be negative")
	}
	switch c.Engine.CodecLocation {
	case "host", "controller":
	default:
		return fmt.Errorf("engine.codec_location must be host or controller, got %q", c.Engine.CodecLocation)
	}
	if c.Engine.TransitionTimeout <= 0 {
		return fmt.Errorf("engine.transition_timeout must be positive")
	}
	if c.Engine.MaxCis < 0 || c.Engine.MaxCis > 0xEF {
		return fmt.Errorf("engine.max_cis must be 0-239, got %d", c.Engine.MaxCis)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}

	groups := make(map[int]bool)
	devices := make(map[string]int)
	for i, g := range c.Groups {
		if g.ID <= 0 {
			return fmt.Errorf("groups[%d]: id must be positive", i)
		}
		if groups[g.ID] {
			return fmt.Errorf("groups[%d]: duplicate id %d", i, g.ID)
		}
		groups[g.ID] = true
		if len(g.Devices) == 0 {
			return fmt.Errorf("group %d: no devices", g.ID)
		}
		for _, d := range g.Devices {
			addr := strings.ToUpper(d.Address)
			if addr == "" {
				return fmt.Errorf("group %d: device address is required", g.ID)
			}
			if other, ok := devices[addr]; ok {
				return fmt.Errorf("device %s listed in groups %d and %d", d.Address, other, g.ID)
			}
			devices[addr] = g.ID
			if d.ControlPoint == 0 {
				return fmt.Errorf("device %s: control_point handle is required", d.Address)
			}
			if len(d.ASEs) == 0 {
				return fmt.Errorf("device %s: no ases", d.Address)
			}
			for _, a := range d.ASEs {
				if a.Handle == 0 {
					return fmt.Errorf("device %s: ase handle is required", d.Address)
				}
				if _, err := ascs.ParseDirection(a.Direction); err != nil {
					return fmt.Errorf("device %s ase 0x%04x: %w", d.Address, a.Handle, err)
				}
			}
		}
	}
	return nil
}

// coordinatorConfig converts the validated file config.
func (c *Config) coordinatorConfig() coordinator.Config {
	engine := statemachine.DefaultConfig()
	engine.TransitionTimeout = c.Engine.TransitionTimeout
	engine.LinkQualityReports = c.Engine.LinkQualityReports
	if c.Engine.LinkQualityInterval > 0 {
		engine.LinkQualityInterval = c.Engine.LinkQualityInterval
	}
	engine.CodecOffload = c.Engine.CodecLocation == "controller"

	out := coordinator.Config{Engine: engine, MaxCis: c.Engine.MaxCis}
	for _, g := range c.Groups {
		gc := coordinator.GroupConfig{ID: g.ID}
		for _, d := range g.Devices {
			dc := coordinator.DeviceConfig{Address: strings.ToUpper(d.Address), ControlPoint: d.ControlPoint}
			for _, a := range d.ASEs {
				dir, _ := ascs.ParseDirection(a.Direction)
				dc.Ases = append(dc.Ases, coordinator.AseConfig{Handle: a.Handle, Direction: dir, ID: a.ID})
			}
			gc.Devices = append(gc.Devices, dc)
		}
		out.Groups = append(out.Groups, gc)
	}
	return out
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.HCI.Baud == 0 {
		cfg.HCI.Baud = 1000000
	}
	if cfg.Engine.TransitionTimeout == 0 {
		cfg.Engine.TransitionTimeout = statemachine.DefaultConfig().TransitionTimeout
	}
	if cfg.Engine.CodecLocation == "" {
		cfg.Engine.CodecLocation = "host"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "leaudio-groupd.db"
	}
	if cfg.ProfilesDir == "" {
		cfg.ProfilesDir = "profiles"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "leaudio"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "leaudio-groupd"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// loadSecrets reads envFile (if present) into the environment and lets it
// override the secrets in cfg.
func loadSecrets(cfg *Config, envFile string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	if v := os.Getenv("LEAUDIO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("LEAUDIO_API_KEY"); v != "" {
		cfg.Web.APIKey = v
	}
	return nil
}
