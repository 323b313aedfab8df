package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LocalConfig contains all configuration for the local runner.
type LocalConfig struct {
	Runner  RunnerConfig  `mapstructure:"runner"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RunnerConfig controls how stage workers are launched and drained.
type RunnerConfig struct {
	Interpreter     string        `mapstructure:"interpreter"`
	Wrapper         string        `mapstructure:"wrapper"`
	Format          string        `mapstructure:"format"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	MaxInput        int           `mapstructure:"max_input"`
	RetainWorkDir   bool          `mapstructure:"retain_workdir"`
	WorkDirRoot     string        `mapstructure:"workdir_root"`
	CheckExitStatus bool          `mapstructure:"check_exit_status"`
	ExitGracePeriod time.Duration `mapstructure:"exit_grace_period"`
}

// LoadLocal loads the local runner configuration from the given path.
// If configPath is empty, it looks for local.yaml in the config/ directory.
// Environment variables with GOMR_LOCAL_ prefix override config file values.
func LoadLocal(configPath string) (*LocalConfig, error) {
	v := viper.New()

	v.SetDefault("runner.interpreter", "")
	v.SetDefault("runner.wrapper", "")
	v.SetDefault("runner.format", "text")
	v.SetDefault("runner.queue_capacity", 0)
	v.SetDefault("runner.max_input", 0)
	v.SetDefault("runner.retain_workdir", false)
	v.SetDefault("runner.workdir_root", "")
	v.SetDefault("runner.check_exit_status", false)
	v.SetDefault("runner.exit_grace_period", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("local")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GOMR_LOCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg LocalConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Runner.QueueCapacity < 0 {
		return nil, fmt.Errorf("runner.queue_capacity must be >= 0, got %d", cfg.Runner.QueueCapacity)
	}
	if cfg.Runner.MaxInput < 0 {
		return nil, fmt.Errorf("runner.max_input must be >= 0, got %d", cfg.Runner.MaxInput)
	}

	return &cfg, nil
}
