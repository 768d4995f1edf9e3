package procsentry

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a procsentry manager.
type Config struct {
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Socket    SocketConfig    `mapstructure:"socket"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Binding   BindingConfig   `mapstructure:"binding"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AllocatorConfig defines the fixed-capacity pool sizing per worker class.
type AllocatorConfig struct {
	SandboxedSlots    int           `mapstructure:"sandboxed_slots"`
	NonSandboxedSlots int           `mapstructure:"non_sandboxed_slots"`
	FreeAfterStop     time.Duration `mapstructure:"free_after_stop"`
	SpawnRetries      int           `mapstructure:"spawn_retries"`
}

// WorkerConfig defines how a worker process is spawned and supervised.
type WorkerConfig struct {
	Binary       string            `mapstructure:"binary"`
	Args         []string          `mapstructure:"args"`
	Env          map[string]string `mapstructure:"env"`
	StartTimeout time.Duration     `mapstructure:"start_timeout"`
	StopTimeout  time.Duration     `mapstructure:"stop_timeout"`
}

// SocketConfig defines Unix domain socket settings for the health/setup channel.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
}

// ProtocolConfig defines wire-level settings for the setup payload channel.
type ProtocolConfig struct {
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	Codec             string        `mapstructure:"codec"`
}

// BindingConfig defines the global binding manager's tunables.
type BindingConfig struct {
	LowMemoryHost       bool          `mapstructure:"low_memory_host"`
	ModerateMaxSize     int           `mapstructure:"moderate_max_size"`
	HighEndDelay        time.Duration `mapstructure:"high_end_delay"`
	BackgroundDrainWait time.Duration `mapstructure:"background_drain_wait"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/procsentry")
	}

	v.SetEnvPrefix("PROCSENTRY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper reads duration fields as bare seconds/milliseconds; scale them up.
	cfg.Allocator.FreeAfterStop *= time.Millisecond
	cfg.Worker.StartTimeout *= time.Second
	cfg.Worker.StopTimeout *= time.Second
	cfg.Protocol.RequestTimeout *= time.Second
	cfg.Protocol.ConnectionTimeout *= time.Second
	cfg.Binding.HighEndDelay *= time.Millisecond
	cfg.Binding.BackgroundDrainWait *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("allocator.sandboxed_slots", 4)
	v.SetDefault("allocator.non_sandboxed_slots", 1)
	v.SetDefault("allocator.free_after_stop", 1)
	v.SetDefault("allocator.spawn_retries", 1)

	v.SetDefault("worker.binary", "procsentry-worker")
	v.SetDefault("worker.start_timeout", 30)
	v.SetDefault("worker.stop_timeout", 5)
	v.SetDefault("worker.env", map[string]string{})

	v.SetDefault("socket.dir", "/tmp")
	v.SetDefault("socket.prefix", "procsentry")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("protocol.max_frame_size", 10485760) // 10MB
	v.SetDefault("protocol.request_timeout", 60)
	v.SetDefault("protocol.connection_timeout", 5)
	v.SetDefault("protocol.codec", "json")

	v.SetDefault("binding.low_memory_host", false)
	v.SetDefault("binding.moderate_max_size", 8)
	v.SetDefault("binding.high_end_delay", 1000)
	v.SetDefault("binding.background_drain_wait", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
