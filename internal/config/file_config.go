package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"capq.yaml",
	"capq.yml",
	"capq.toml",
	".capq.yaml",
	".capq.yml",
	".capq.toml",
}

type FileConfig struct {
	DSN    string           `yaml:"dsn" toml:"dsn"`
	Queue  QueueFileConfig  `yaml:"queue" toml:"queue"`
	Worker WorkerFileConfig `yaml:"worker" toml:"worker"`
	Notify NotifyFileConfig `yaml:"notify" toml:"notify"`
	Ops    OpsFileConfig    `yaml:"ops" toml:"ops"`
}

type QueueFileConfig struct {
	MaxConcurrentTasks *int   `yaml:"max_concurrent_tasks" toml:"max_concurrent_tasks"`
	DefaultMaxRetries  *int   `yaml:"default_max_retries" toml:"default_max_retries"`
	StuckThreshold     string `yaml:"stuck_threshold" toml:"stuck_threshold"`
	SweepCron          string `yaml:"sweep_cron" toml:"sweep_cron"`
}

type WorkerFileConfig struct {
	WorkerID        string `yaml:"worker_id" toml:"worker_id"`
	PollInterval    string `yaml:"poll_interval" toml:"poll_interval"`
	ExecMode        string `yaml:"exec_mode" toml:"exec_mode"`
	ExecSleep       string `yaml:"exec_sleep" toml:"exec_sleep"`
	ExecTimeout     string `yaml:"exec_timeout" toml:"exec_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type NotifyFileConfig struct {
	RedisURL     string `yaml:"redis_url" toml:"redis_url"`
	RedisChannel string `yaml:"redis_channel" toml:"redis_channel"`
}

type OpsFileConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("CAPQ_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}

	if fileCfg.Queue.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *fileCfg.Queue.MaxConcurrentTasks
	}
	if fileCfg.Queue.DefaultMaxRetries != nil {
		cfg.DefaultMaxRetries = *fileCfg.Queue.DefaultMaxRetries
	}
	if fileCfg.Queue.StuckThreshold != "" {
		parsed, err := parseDurationField("queue.stuck_threshold", fileCfg.Queue.StuckThreshold)
		if err != nil {
			return err
		}
		cfg.StuckThreshold = parsed
	}
	if fileCfg.Queue.SweepCron != "" {
		cfg.SweepCron = fileCfg.Queue.SweepCron
	}

	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.PollInterval != "" {
		parsed, err := parseDurationField("worker.poll_interval", fileCfg.Worker.PollInterval)
		if err != nil {
			return err
		}
		cfg.PollInterval = parsed
	}
	if fileCfg.Worker.ExecMode != "" {
		cfg.ExecMode = fileCfg.Worker.ExecMode
	}
	if fileCfg.Worker.ExecSleep != "" {
		parsed, err := parseDurationField("worker.exec_sleep", fileCfg.Worker.ExecSleep)
		if err != nil {
			return err
		}
		cfg.ExecSleep = parsed
	}
	if fileCfg.Worker.ExecTimeout != "" {
		parsed, err := parseDurationField("worker.exec_timeout", fileCfg.Worker.ExecTimeout)
		if err != nil {
			return err
		}
		cfg.ExecTimeout = parsed
	}
	if fileCfg.Worker.ShutdownTimeout != "" {
		parsed, err := parseDurationField("worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}

	if fileCfg.Notify.RedisURL != "" {
		cfg.RedisURL = fileCfg.Notify.RedisURL
	}
	if fileCfg.Notify.RedisChannel != "" {
		cfg.RedisChannel = fileCfg.Notify.RedisChannel
	}

	if fileCfg.Ops.Addr != "" {
		cfg.HealthAddr = fileCfg.Ops.Addr
	}
	if fileCfg.Ops.AuthToken != "" {
		cfg.OpsToken = fileCfg.Ops.AuthToken
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
