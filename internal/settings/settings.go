package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// EnvPrefix is prepended to every environment override, e.g.
// SESSIONSTORE_DATABASE_URL.
const EnvPrefix = "SESSIONSTORE"

// Settings is the process configuration.
type Settings struct {
	Database DatabaseSettings `mapstructure:"database"`
	Worker   WorkerSettings   `mapstructure:"worker"`
	Monitor  MonitorSettings  `mapstructure:"monitor"`
	Log      LogSettings      `mapstructure:"log"`
	GRPC     GRPCSettings     `mapstructure:"grpc"`
}

type DatabaseSettings struct {
	Type               string        `mapstructure:"type"`
	URL                string        `mapstructure:"url"`
	Path               string        `mapstructure:"path"`
	MaxOpenConns       int           `mapstructure:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	LogQueries         bool          `mapstructure:"log_queries"`

	// UnconditionalRetrySweep promotes every retry-waiting task on each sweep,
	// ignoring retry_at.
	UnconditionalRetrySweep bool `mapstructure:"unconditional_retry_sweep"`
	// CanRunDownstream lists state names that unblock downstream tasks.
	CanRunDownstream []string `mapstructure:"can_run_downstream"`
}

type WorkerSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type MonitorSettings struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type LogSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type GRPCSettings struct {
	Port int `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", db.TypePostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "data/sessions.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.slow_query_threshold", 200*time.Millisecond)
	v.SetDefault("database.log_queries", false)
	v.SetDefault("database.unconditional_retry_sweep", false)
	v.SetDefault("database.can_run_downstream", []string{})

	v.SetDefault("worker.poll_interval", 500*time.Millisecond)
	v.SetDefault("worker.batch_size", 100)
	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("monitor.interval", time.Second)
	v.SetDefault("monitor.batch_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("grpc.port", 50051)
}

// Load reads defaults, then the optional config file, then environment
// overrides.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks values viper cannot type-check.
func (s *Settings) Validate() error {
	switch s.Database.Type {
	case db.TypePostgres:
		if s.Database.URL == "" {
			return errors.New("database.url is required for postgres")
		}
	case db.TypeSQLite:
		if s.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database.type: %q", s.Database.Type)
	}
	if s.Worker.BatchSize <= 0 {
		return errors.New("worker.batch_size must be positive")
	}
	if s.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be positive")
	}
	if s.Monitor.BatchSize <= 0 {
		return errors.New("monitor.batch_size must be positive")
	}
	if _, err := s.Database.canRunDownstreamStates(); err != nil {
		return err
	}
	return nil
}

// DBOptions converts the database section into store options.
func (s *Settings) DBOptions() db.Options {
	return db.Options{
		Type:               s.Database.Type,
		URL:                s.Database.URL,
		Path:               s.Database.Path,
		MaxOpenConns:       s.Database.MaxOpenConns,
		MaxIdleConns:       s.Database.MaxIdleConns,
		ConnMaxLifetime:    s.Database.ConnMaxLifetime,
		SlowQueryThreshold: s.Database.SlowQueryThreshold,
		LogQueries:         s.Database.LogQueries,
	}
}

// ClientOptions returns the store behavior switches.
func (s *Settings) ClientOptions() []db.Option {
	var opts []db.Option
	if s.Database.UnconditionalRetrySweep {
		opts = append(opts, db.WithUnconditionalRetrySweep())
	}
	// validated in Load
	states, _ := s.Database.canRunDownstreamStates()
	if len(states) > 0 {
		opts = append(opts, db.WithCanRunDownstream(states...))
	}
	return opts
}

func (d DatabaseSettings) canRunDownstreamStates() ([]session.TaskStateCode, error) {
	states := make([]session.TaskStateCode, 0, len(d.CanRunDownstream))
	for _, name := range d.CanRunDownstream {
		st, err := session.ParseTaskStateCode(name)
		if err != nil {
			return nil, fmt.Errorf("database.can_run_downstream: %w", err)
		}
		states = append(states, st)
	}
	return states, nil
}
