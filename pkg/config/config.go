package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	RedisURL       string `yaml:"redis_url" env:"REDIS_URL" env-default:"redis://localhost:6379"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX" env-default:"convtrack:"`

	SLAScanInterval   time.Duration `yaml:"sla_scan_interval" env:"SLA_SCAN_INTERVAL" env-default:"1m"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"RECONCILE_INTERVAL" env-default:"1h"`
	JobLockTTL        time.Duration `yaml:"job_lock_ttl" env:"JOB_LOCK_TTL" env-default:"30m"`

	SlackAPIURL      string `yaml:"slack_api_url" env:"SLACK_API_URL" env-default:"https://slack.com/api/"`
	HistoryPageLimit int    `yaml:"history_page_limit" env:"HISTORY_PAGE_LIMIT" env-default:"200"`

	PodID    string `yaml:"pod_id" env:"POD_ID"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// Load reads configuration from the optional YAML file at path, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		desc, _ := cleanenv.GetDescription(cfg, nil)
		return nil, fmt.Errorf("%s; %s", err, desc)
	}

	if cfg.PodID == "" {
		cfg.PodID = generatePodID()
	}
	if cfg.SLAScanInterval <= 0 || cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("job intervals must be positive")
	}
	if cfg.HistoryPageLimit <= 0 {
		return nil, fmt.Errorf("history page limit must be positive, got %d", cfg.HistoryPageLimit)
	}

	return cfg, nil
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
