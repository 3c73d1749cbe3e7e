package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	RedisChannel string
	WorkerID     string

	MaxConcurrentTasks int
	DefaultMaxRetries  int
	StuckThreshold     time.Duration
	SweepCron          string

	PollInterval    time.Duration
	ExecMode        string // "mock" is the only built-in executor
	ExecSleep       time.Duration
	ExecTimeout     time.Duration
	ShutdownTimeout time.Duration

	HealthAddr string
	OpsToken   string
}

func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		WorkerID:           fmt.Sprintf("capworker-%s-%d", hostname, time.Now().Unix()),
		MaxConcurrentTasks: 5,
		DefaultMaxRetries:  3,
		StuckThreshold:     60 * time.Minute,
		SweepCron:          "*/5 * * * *",
		PollInterval:       time.Second,
		ExecMode:           "mock",
		ExecSleep:          100 * time.Millisecond,
		ExecTimeout:        time.Hour,
		ShutdownTimeout:    30 * time.Second,
		HealthAddr:         ":8080",
	}
}

func ApplyEnv(cfg *Config) error {
	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.DatabaseURL = val
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		cfg.RedisURL = val
	}
	if val := os.Getenv("REDIS_CHANNEL"); val != "" {
		cfg.RedisChannel = val
	}
	if val := os.Getenv("WORKER_ID"); val != "" {
		cfg.WorkerID = val
	}
	if err := envInt("MAX_CONCURRENT_TASKS", &cfg.MaxConcurrentTasks); err != nil {
		return err
	}
	if err := envInt("DEFAULT_MAX_RETRIES", &cfg.DefaultMaxRetries); err != nil {
		return err
	}
	if err := envDuration("STUCK_THRESHOLD", &cfg.StuckThreshold); err != nil {
		return err
	}
	if val := os.Getenv("SWEEP_CRON"); val != "" {
		cfg.SweepCron = val
	}
	if err := envDuration("POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return err
	}
	if val := os.Getenv("EXEC_MODE"); val != "" {
		cfg.ExecMode = val
	}
	if err := envDuration("EXEC_SLEEP", &cfg.ExecSleep); err != nil {
		return err
	}
	if err := envDuration("EXEC_TIMEOUT", &cfg.ExecTimeout); err != nil {
		return err
	}
	if err := envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if val := os.Getenv("HEALTH_ADDR"); val != "" {
		cfg.HealthAddr = val
	}
	if val := os.Getenv("OPS_TOKEN"); val != "" {
		cfg.OpsToken = val
	}
	return nil
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for the notification relay (empty disables)")
	fs.StringVar(&c.RedisChannel, "redis-channel", c.RedisChannel, "Redis channel for queue events")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.IntVar(&c.MaxConcurrentTasks, "max-concurrent", c.MaxConcurrentTasks, "Global cap on RUNNING tasks")
	fs.IntVar(&c.DefaultMaxRetries, "max-retries", c.DefaultMaxRetries, "Default retry budget per task")
	fs.DurationVar(&c.StuckThreshold, "stuck-threshold", c.StuckThreshold, "Age at which a RUNNING task counts as stuck")
	fs.StringVar(&c.SweepCron, "sweep-cron", c.SweepCron, "Cron expression for the stuck-task sweep")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval to poll for tasks")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Execution mode (mock)")
	fs.DurationVar(&c.ExecSleep, "exec-sleep", c.ExecSleep, "Checkpoint delay for mock mode")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "Per-task execution timeout")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for tasks on shutdown")
	fs.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "HTTP address for health/metrics/events")
	fs.StringVar(&c.OpsToken, "ops-token", c.OpsToken, "Bearer token for the ops HTTP surface")
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
