package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/session-snapshot/internal/jobs/scheduler"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/platform/envutil"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverDB       = "db"
	DriverRedis    = "redis"
	DriverKafka    = "kafka"
)

type SnapshotConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	LockLease    time.Duration `yaml:"lock_lease"`
	PageSize     int           `yaml:"page_size"`
	Parallelism  int           `yaml:"parallelism"`
	Topic        string        `yaml:"topic"`
}

type RetentionConfig struct {
	// Days of processed raw events to keep; 0 disables retention.
	Days     int           `yaml:"days"`
	Interval time.Duration `yaml:"interval"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	SQLitePath   string `yaml:"sqlite_path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

type IngestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"group_id"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	LogMode        string          `yaml:"log_mode"`
	Tenants        []string        `yaml:"tenants"`
	Snapshot       SnapshotConfig  `yaml:"snapshot"`
	Retention      RetentionConfig `yaml:"retention"`
	Store          StoreConfig     `yaml:"store"`
	LockDriver     string          `yaml:"lock_driver"`
	BusDriver      string          `yaml:"bus_driver"`
	Redis          RedisConfig     `yaml:"redis"`
	Kafka          KafkaConfig     `yaml:"kafka"`
	Ingest         IngestConfig    `yaml:"ingest"`
	Cache          CacheConfig     `yaml:"cache"`
	HTTPAddr       string          `yaml:"http_addr"`
	MetricsEnabled bool            `yaml:"metrics_enabled"`
	Otel           OtelConfig      `yaml:"otel"`
}

func DefaultConfig() Config {
	return Config{
		LogMode: "development",
		Snapshot: SnapshotConfig{
			InitialDelay: scheduler.DefaultInitialDelay,
			Interval:     scheduler.DefaultInterval,
			LockLease:    scheduler.DefaultLease,
			PageSize:     snapshot.DefaultPageSize,
			Parallelism:  scheduler.DefaultParallelism,
			Topic:        snapshot.DefaultTopic,
		},
		Retention: RetentionConfig{Interval: scheduler.DefaultRetentionInterval},
		Store: StoreConfig{
			Driver:       DriverPostgres,
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Name:         "snapshot",
			SSLMode:      "disable",
			SQLitePath:   "snapshot.db",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		LockDriver: DriverDB,
		BusDriver:  DriverRedis,
		Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "snapshot:"},
		Kafka:      KafkaConfig{ClientID: "session-snapshot"},
		Ingest:     IngestConfig{Topic: "session-step-events", GroupID: "session-snapshot"},
		Cache:      CacheConfig{TTL: 10 * time.Minute},
		HTTPAddr:   ":8080",
		Otel:       OtelConfig{ServiceName: "session-snapshot", SampleRatio: 0.1},

		MetricsEnabled: true,
	}
}

// LoadConfig starts from the defaults, overlays the YAML file named by
// CONFIG_PATH when set, then the environment.
func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path := envutil.String("CONFIG_PATH", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if log != nil {
			log.Info("Loaded config file", "path", path)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogMode = envutil.String("LOG_MODE", c.LogMode)
	c.Tenants = envutil.List("TENANTS", c.Tenants)

	c.Snapshot.InitialDelay = envutil.Duration("SNAPSHOT_INITIAL_DELAY", c.Snapshot.InitialDelay)
	c.Snapshot.Interval = envutil.Duration("SNAPSHOT_INTERVAL", c.Snapshot.Interval)
	c.Snapshot.LockLease = envutil.Duration("SNAPSHOT_LOCK_LEASE", c.Snapshot.LockLease)
	c.Snapshot.PageSize = envutil.Int("SNAPSHOT_PAGE_SIZE", c.Snapshot.PageSize)
	c.Snapshot.Parallelism = envutil.Int("SNAPSHOT_PARALLELISM", c.Snapshot.Parallelism)
	c.Snapshot.Topic = envutil.String("SNAPSHOT_TOPIC", c.Snapshot.Topic)

	c.Retention.Days = envutil.Int("RETENTION_DAYS", c.Retention.Days)
	c.Retention.Interval = envutil.Duration("RETENTION_INTERVAL", c.Retention.Interval)

	c.Store.Driver = envutil.String("STORE_DRIVER", c.Store.Driver)
	c.Store.Host = envutil.String("POSTGRES_HOST", c.Store.Host)
	c.Store.Port = envutil.String("POSTGRES_PORT", c.Store.Port)
	c.Store.User = envutil.String("POSTGRES_USER", c.Store.User)
	c.Store.Password = envutil.String("POSTGRES_PASSWORD", c.Store.Password)
	c.Store.Name = envutil.String("POSTGRES_NAME", c.Store.Name)
	c.Store.SSLMode = envutil.String("POSTGRES_SSLMODE", c.Store.SSLMode)
	c.Store.MaxOpenConns = envutil.Int("POSTGRES_MAX_OPEN_CONNS", c.Store.MaxOpenConns)
	c.Store.MaxIdleConns = envutil.Int("POSTGRES_MAX_IDLE_CONNS", c.Store.MaxIdleConns)
	c.Store.SQLitePath = envutil.String("SQLITE_PATH", c.Store.SQLitePath)

	c.LockDriver = envutil.String("LOCK_DRIVER", c.LockDriver)
	c.BusDriver = envutil.String("BUS_DRIVER", c.BusDriver)

	c.Redis.Addr = envutil.String("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envutil.String("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envutil.Int("REDIS_DB", c.Redis.DB)
	c.Redis.Prefix = envutil.String("REDIS_PREFIX", c.Redis.Prefix)

	c.Kafka.Brokers = envutil.List("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.ClientID = envutil.String("KAFKA_CLIENT_ID", c.Kafka.ClientID)

	c.Ingest.Enabled = envutil.Bool("INGEST_ENABLED", c.Ingest.Enabled)
	c.Ingest.Topic = envutil.String("INGEST_TOPIC", c.Ingest.Topic)
	c.Ingest.GroupID = envutil.String("INGEST_GROUP_ID", c.Ingest.GroupID)

	c.Cache.Enabled = envutil.Bool("CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.TTL = envutil.Duration("CACHE_TTL", c.Cache.TTL)

	c.HTTPAddr = envutil.String("HTTP_ADDR", c.HTTPAddr)
	c.MetricsEnabled = envutil.Bool("METRICS_ENABLED", c.MetricsEnabled)

	c.Otel.Enabled = envutil.Bool("OTEL_ENABLED", c.Otel.Enabled)
	c.Otel.ServiceName = envutil.String("OTEL_SERVICE_NAME", c.Otel.ServiceName)
	c.Otel.Environment = envutil.String("OTEL_ENVIRONMENT", c.Otel.Environment)
	c.Otel.Endpoint = envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", c.Otel.Endpoint)
	c.Otel.Insecure = envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", c.Otel.Insecure)
	if raw := envutil.String("OTEL_SAMPLE_RATIO", ""); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Otel.SampleRatio = ratio
		}
	}
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.LockDriver = strings.ToLower(strings.TrimSpace(c.LockDriver))
	c.BusDriver = strings.ToLower(strings.TrimSpace(c.BusDriver))
	tenants := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	c.Tenants = tenants
}

func (c Config) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("config: at least one tenant required (TENANTS)")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if seen[t] {
			return fmt.Errorf("config: duplicate tenant %q", t)
		}
		seen[t] = true
	}
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("config: snapshot interval must be positive")
	}
	if c.Snapshot.LockLease < c.Snapshot.Interval {
		return fmt.Errorf("config: lock lease %s shorter than interval %s", c.Snapshot.LockLease, c.Snapshot.Interval)
	}
	if c.Snapshot.PageSize <= 0 || c.Snapshot.Parallelism <= 0 {
		return fmt.Errorf("config: page size and parallelism must be positive")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("config: retention days must not be negative")
	}

	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.LockDriver {
	case DriverDB:
		if c.Store.Driver == DriverMemory {
			return fmt.Errorf("config: LOCK_DRIVER=db needs a database store")
		}
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("config: unknown LOCK_DRIVER %q", c.LockDriver)
	}
	switch c.BusDriver {
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: BUS_DRIVER=kafka needs KAFKA_BROKERS")
		}
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("config: unknown BUS_DRIVER %q", c.BusDriver)
	}
	if c.needsRedis() && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("config: REDIS_ADDR required")
	}
	if c.Ingest.Enabled && (len(c.Kafka.Brokers) == 0 || c.Ingest.Topic == "" || c.Ingest.GroupID == "") {
		return fmt.Errorf("config: ingest needs KAFKA_BROKERS, INGEST_TOPIC and INGEST_GROUP_ID")
	}
	return nil
}

// needsRedis reports whether any component is backed by Redis. The
// aggregate cache falls back to process memory when Redis is otherwise
// unused.
func (c Config) needsRedis() bool {
	return c.LockDriver == DriverRedis || c.BusDriver == DriverRedis
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		InitialDelay: c.Snapshot.InitialDelay,
		Interval:     c.Snapshot.Interval,
		Lease:        c.Snapshot.LockLease,
		Parallelism:  c.Snapshot.Parallelism,
	}
}

func (c Config) retentionConfig() scheduler.RetentionConfig {
	return scheduler.RetentionConfig{
		MaxAge:   time.Duration(c.Retention.Days) * 24 * time.Hour,
		Interval: c.Retention.Interval,
		Lease:    c.Snapshot.LockLease,
	}
}
