package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/comlink/conn"
)

// profile is the on-disk YAML shape of a connection configuration.
// Durations are Go duration strings ("500ms", "2s") so the file stays
// readable; they are parsed into conn.Config on load.
type profile struct {
	Port               string `yaml:"port"`
	BaudRate           int    `yaml:"baud"`
	Timeout            string `yaml:"timeout"`
	SendInterval       string `yaml:"send_interval"`
	QueueSize          *int   `yaml:"queue_size"`
	Strict             *bool  `yaml:"strict"`
	NotifyOnDisconnect bool   `yaml:"notify_on_disconnect"`
}

// loadProfile overlays a YAML profile onto the stock defaults. Fields
// absent from the file keep their defaults; the caller may still override
// port and baud from flags afterwards.
func loadProfile(path string) (conn.Config, error) {
	cfg := conn.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read profile: %w", err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return cfg, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if p.Port != "" {
		cfg.Port = p.Port
	}
	if p.BaudRate != 0 {
		cfg.BaudRate = p.BaudRate
	}
	if p.Timeout != "" {
		d, err := parseProfileDuration(p.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("profile timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if p.SendInterval != "" {
		d, err := parseProfileDuration(p.SendInterval)
		if err != nil {
			return cfg, fmt.Errorf("profile send_interval: %w", err)
		}
		if d < 0 {
			return cfg, fmt.Errorf("profile send_interval: must not be negative")
		}
		cfg.SendInterval = d
	}
	if p.QueueSize != nil {
		cfg.QueueSize = *p.QueueSize
	}
	if p.Strict != nil {
		cfg.Strict = *p.Strict
	}
	cfg.NotifyOnDisconnect = p.NotifyOnDisconnect

	return cfg, nil
}

// parseProfileDuration accepts Go duration strings plus the literal
// "forever" for an unbounded wait.
func parseProfileDuration(s string) (time.Duration, error) {
	if s == "forever" {
		return conn.Forever, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
