package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Tenants = []string{"t1"}
	return cfg
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("TENANTS", "t1, t2,,")
	t.Setenv("SNAPSHOT_INTERVAL", "2s")
	t.Setenv("SNAPSHOT_LOCK_LEASE", "30000")
	t.Setenv("SNAPSHOT_PARALLELISM", "8")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("LOCK_DRIVER", "memory")
	t.Setenv("RETENTION_DAYS", "7")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if strings.Join(cfg.Tenants, ",") != "t1,t2" {
		t.Fatalf("tenants: want=t1,t2 got=%v", cfg.Tenants)
	}
	if cfg.Snapshot.Interval != 2*time.Second {
		t.Fatalf("interval: want=2s got=%s", cfg.Snapshot.Interval)
	}
	if cfg.Snapshot.LockLease != 30*time.Second {
		t.Fatalf("lease: want=30s got=%s", cfg.Snapshot.LockLease)
	}
	if cfg.Snapshot.Parallelism != 8 || cfg.Store.Driver != DriverSQLite {
		t.Fatalf("parallelism/driver: got=%d/%s", cfg.Snapshot.Parallelism, cfg.Store.Driver)
	}
	if cfg.retentionConfig().MaxAge != 7*24*time.Hour {
		t.Fatalf("retention max age: got=%s", cfg.retentionConfig().MaxAge)
	}
	if cfg.Snapshot.InitialDelay != 10*time.Second || cfg.Snapshot.PageSize != 1000 {
		t.Fatalf("defaults lost: delay=%s page=%d", cfg.Snapshot.InitialDelay, cfg.Snapshot.PageSize)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
tenants: [acme, globex]
snapshot:
  interval: 3s
  lock_lease: 1m
  topic: steps-changed
store:
  driver: memory
lock_driver: memory
bus_driver: memory
cache:
  enabled: true
  ttl: 30s
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SNAPSHOT_TOPIC", "override")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Tenants) != 2 || cfg.Tenants[1] != "globex" {
		t.Fatalf("tenants: got=%v", cfg.Tenants)
	}
	if cfg.Snapshot.Interval != 3*time.Second || cfg.Snapshot.LockLease != time.Minute {
		t.Fatalf("durations: got=%s/%s", cfg.Snapshot.Interval, cfg.Snapshot.LockLease)
	}
	if cfg.Snapshot.Topic != "override" {
		t.Fatalf("topic: want=override got=%s", cfg.Snapshot.Topic)
	}
	if !cfg.Cache.Enabled || cfg.Cache.TTL != 30*time.Second {
		t.Fatalf("cache: got=%+v", cfg.Cache)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadConfig(nil); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no tenants", func(c *Config) { c.Tenants = nil }, "tenant"},
		{"duplicate tenant", func(c *Config) { c.Tenants = []string{"a", "a"} }, "duplicate"},
		{"lease shorter than interval", func(c *Config) {
			c.Snapshot.Interval = 10 * time.Second
			c.Snapshot.LockLease = 5 * time.Second
		}, "shorter"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "STORE_DRIVER"},
		{"db lock on memory store", func(c *Config) {
			c.Store.Driver = DriverMemory
			c.LockDriver = DriverDB
		}, "LOCK_DRIVER"},
		{"kafka without brokers", func(c *Config) { c.BusDriver = DriverKafka }, "KAFKA_BROKERS"},
		{"redis without addr", func(c *Config) { c.Redis.Addr = "" }, "REDIS_ADDR"},
		{"ingest without brokers", func(c *Config) { c.Ingest.Enabled = true }, "ingest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("want ok got=%v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q got=%v", tc.want, err)
			}
		})
	}
}
