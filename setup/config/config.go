package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kasagi is the top-level configuration for a single engine instance. It is
// populated from the process environment; see LoadFromEnv.
type Kasagi struct {
	Global      Global      `yaml:"global"`
	Coordinator Coordinator `yaml:"coordinator"`
	Sync        Sync        `yaml:"sync"`
	Logging     Logging     `yaml:"logging"`
}

type Global struct {
	// Deployment environment, e.g. "production" or "development".
	Environment string `yaml:"environment"`

	// Unique identifier for this instance, used for own-echo suppression
	// on the pub/sub bus. Auto-generated when not supplied.
	InstanceID string `yaml:"instance_id"`

	// TCP port the websocket listener binds to.
	WSPort int `yaml:"ws_port"`
}

type Coordinator struct {
	// Sentinel endpoints used to discover the Redis master.
	SentinelAddrs []string `yaml:"sentinel_addrs"`

	// Name of the monitored master set.
	MasterName string `yaml:"master_name"`

	Password string `yaml:"password"`
}

type Sync struct {
	// How many locally-originated ticks between snapshot flushes.
	SnapshotInterval uint64 `yaml:"snapshot_interval"`

	// Upper bound on entities held by a single room. Inputs that would
	// create an entity beyond this bound are rejected.
	MaxEntitiesPerRoom int `yaml:"max_entities_per_room"`
}

type Logging struct {
	Level     string `yaml:"level"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// ConfigErrors stores problems encountered when verifying a config. It
// implements the error interface.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func (c *Kasagi) Defaults() {
	c.Global.Environment = "development"
	c.Global.WSPort = 8080
	c.Coordinator.MasterName = "kasagi-master"
	c.Sync.SnapshotInterval = 100
	c.Sync.MaxEntitiesPerRoom = 100
	c.Logging.Level = "info"
}

func (c *Kasagi) Verify(configErrs *ConfigErrors) {
	if c.Global.InstanceID == "" {
		configErrs.Add("global.instance_id must not be empty")
	}
	if c.Global.WSPort <= 0 || c.Global.WSPort > 65535 {
		configErrs.Add(fmt.Sprintf("global.ws_port out of range: %d", c.Global.WSPort))
	}
	if len(c.Coordinator.SentinelAddrs) == 0 {
		configErrs.Add("coordinator.sentinel_addrs must contain at least one Sentinel (set SENTINEL_1..SENTINEL_3)")
	}
	if c.Coordinator.MasterName == "" {
		configErrs.Add("coordinator.master_name must not be empty")
	}
	if c.Sync.SnapshotInterval == 0 {
		configErrs.Add("sync.snapshot_interval must be positive")
	}
	if c.Sync.MaxEntitiesPerRoom <= 0 {
		configErrs.Add("sync.max_entities_per_room must be positive")
	}
}

// LoadFromEnv builds a config from the process environment, applying
// defaults first. The returned error is a ConfigErrors when verification
// failed.
func LoadFromEnv() (*Kasagi, error) {
	var cfg Kasagi
	cfg.Defaults()

	if env := os.Getenv("NODE_ENV"); env != "" {
		cfg.Global.Environment = env
	}
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		cfg.Global.InstanceID = id
	} else {
		cfg.Global.InstanceID = uuid.NewString()[:8]
	}
	if port := os.Getenv("WS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_PORT %q: %w", port, err)
		}
		cfg.Global.WSPort = p
	}

	for i := 1; i <= 3; i++ {
		host := os.Getenv(fmt.Sprintf("SENTINEL_%d", i))
		if host == "" {
			continue
		}
		port := os.Getenv(fmt.Sprintf("SENTINEL_%d_PORT", i))
		if port == "" {
			port = "26379"
		}
		cfg.Coordinator.SentinelAddrs = append(
			cfg.Coordinator.SentinelAddrs,
			fmt.Sprintf("%s:%s", host, port),
		)
	}
	if name := os.Getenv("REDIS_MASTER_NAME"); name != "" {
		cfg.Coordinator.MasterName = name
	}
	cfg.Coordinator.Password = os.Getenv("REDIS_PASSWORD")

	if interval := os.Getenv("SNAPSHOT_INTERVAL"); interval != "" {
		n, err := strconv.ParseUint(interval, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SNAPSHOT_INTERVAL %q: %w", interval, err)
		}
		cfg.Sync.SnapshotInterval = n
	}
	if max := os.Getenv("MAX_ENTITIES_PER_ROOM"); max != "" {
		n, err := strconv.Atoi(max)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ENTITIES_PER_ROOM %q: %w", max, err)
		}
		cfg.Sync.MaxEntitiesPerRoom = n
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	cfg.Logging.SentryDSN = os.Getenv("SENTRY_DSN")

	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}
