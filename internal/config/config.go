package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds shared runtime configuration for the orchestrator, the CLI
// subcommands, and the HTTP API.
type Config struct {
	Env       string `mapstructure:"env"`
	StatePath string `mapstructure:"state_path"`

	Servers    []string          `mapstructure:"servers"`
	ServerURLs map[string]string `mapstructure:"server_urls"`

	MaxConcurrentPerServer int           `mapstructure:"max_concurrent_per_server"`
	CycleInterval          time.Duration `mapstructure:"cycle_interval"`
	JobTimeout             time.Duration `mapstructure:"job_timeout"`
	ValidationTimeout      time.Duration `mapstructure:"validation_timeout"`
	ExecTimeout            time.Duration `mapstructure:"exec_timeout"`

	CutoffWindowDays  int           `mapstructure:"cutoff_window_days"`
	CutoffProbeBudget int           `mapstructure:"cutoff_probe_budget"`
	CutoffCacheTTL    time.Duration `mapstructure:"cutoff_cache_ttl"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// PostgresDSN enables the terminal-job archive when set.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	HTTPAddr string `mapstructure:"http_addr"`

	RateLimitCapacity int     `mapstructure:"rate_limit_capacity"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill_per_sec"`

	RetentionAge       time.Duration `mapstructure:"retention_age"`
	CleanupEveryCycles int           `mapstructure:"cleanup_every_cycles"`

	ReportExportDir   string `mapstructure:"report_export_dir"`
	ReportS3Bucket    string `mapstructure:"report_s3_bucket"`
	ReportS3Region    string `mapstructure:"report_s3_region"`
	ReportS3Endpoint  string `mapstructure:"report_s3_endpoint"`
	ReportS3PathStyle bool   `mapstructure:"report_s3_path_style"`
}

// Load reads configuration from the environment (prefix LABRUNNER) and an
// optional YAML file, with sane defaults for local development. An empty path
// means env-and-defaults only.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("env", "dev")
	v.SetDefault("state_path", "labrunner_state.json")
	v.SetDefault("max_concurrent_per_server", 2)
	v.SetDefault("cycle_interval", 2*time.Minute)
	v.SetDefault("job_timeout", 2*time.Hour)
	v.SetDefault("validation_timeout", time.Hour)
	v.SetDefault("exec_timeout", 30*time.Second)
	v.SetDefault("cutoff_window_days", 730)
	v.SetDefault("cutoff_probe_budget", 10)
	v.SetDefault("cutoff_cache_ttl", 24*time.Hour)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("rate_limit_capacity", 10)
	v.SetDefault("rate_limit_refill_per_sec", 2.0)
	v.SetDefault("retention_age", 7*24*time.Hour)
	v.SetDefault("cleanup_every_cycles", 10)
	v.SetDefault("report_export_dir", "./reports")
	v.SetDefault("report_s3_region", "us-east-1")

	v.SetEnvPrefix("LABRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ServerURL resolves the Execution Service base URL for a server name.
// Unknown servers fall back to the local tunnel convention.
func (c Config) ServerURL(server string) string {
	if u, ok := c.ServerURLs[server]; ok {
		return u
	}
	return fmt.Sprintf("http://%s:8090", server)
}
