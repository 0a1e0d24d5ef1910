// Package config loads and validates the YAML configuration file a redcore
// server process optionally reads at startup, filling defaults the same
// way the teacher's config packages do.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoggingInfo configures the C8 logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReplicationConfig tunes the primary's replica fan-out.
type ReplicationConfig struct {
	// RateLimitBytes accepts the same human-readable sizes as ParseByteSize
	// ("1mb", "512kb"). Empty or "0" means unthrottled.
	RateLimitBytes string `yaml:"rate_limit_bytes"`
	// DSCP names a DSCP code point (EF, AF11..AF43, CS0..CS7) applied to
	// replica sockets. Empty disables marking.
	DSCP string `yaml:"dscp"`
}

// StatsConfig configures the periodic stats log line.
type StatsConfig struct {
	// Cron is a robfig/cron/v3 schedule expression. Default "@every 30s".
	Cron string `yaml:"cron"`
}

// ServerConfig is the full configuration of a redcore server process.
type ServerConfig struct {
	Port        int               `yaml:"port"`
	ReplicaOf   string            `yaml:"replicaof"`
	Dir         string            `yaml:"dir"`
	DBFilename  string            `yaml:"dbfilename"`
	Logging     LoggingInfo       `yaml:"logging"`
	Replication ReplicationConfig `yaml:"replication"`
	Stats       StatsConfig       `yaml:"stats"`
}

// LoadServerConfig reads and validates the YAML file at path, filling
// defaults for anything left unset.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.DBFilename == "" {
		c.DBFilename = "dump.rdb"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Stats.Cron == "" {
		c.Stats.Cron = "@every 30s"
	}
	if c.ReplicaOf != "" {
		if _, _, err := ParseReplicaOf(c.ReplicaOf); err != nil {
			return err
		}
	}
	if c.Replication.RateLimitBytes != "" && c.Replication.RateLimitBytes != "0" {
		if _, err := ParseByteSize(c.Replication.RateLimitBytes); err != nil {
			return fmt.Errorf("replication.rate_limit_bytes: %w", err)
		}
	}
	return nil
}

// ParseReplicaOf splits the "<host> <port>" form --replicaof/replicaof
// takes.
func ParseReplicaOf(s string) (host, port string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("replicaof must be \"<host> <port>\", got %q", s)
	}
	return parts[0], parts[1], nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" isn't matched as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
