package config

import (
	"fmt"
	"strconv"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "CONDUCTOR_"

type override struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func integer(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

var overrides = []override{
	{"WORLD_ID", str(func(c *Config) *string { return &c.World.ID })},
	{"WORLD_EXECUTOR", boolean(func(c *Config) *bool { return &c.World.Executor })},
	{"WORLD_CONNECTOR", str(func(c *Config) *string { return &c.World.Connector })},
	{"WORLD_POLL_INTERVAL", duration(func(c *Config) *Duration { return &c.World.PollInterval })},
	{"STORE_DRIVER", str(func(c *Config) *string { return &c.Store.Driver })},
	{"STORE_DSN", str(func(c *Config) *string { return &c.Store.DSN })},
	{"STORE_MAX_OPEN_CONNS", integer(func(c *Config) *int { return &c.Store.MaxOpenConns })},
	{"EXECUTOR_POOL_SIZE", integer(func(c *Config) *int { return &c.Executor.PoolSize })},
	{"EXECUTOR_REQUEST_TIMEOUT", duration(func(c *Config) *Duration { return &c.Executor.RequestTimeout })},
	{"EXECUTOR_AUTO_RESCUE", boolean(func(c *Config) *bool { return &c.Executor.AutoRescue })},
	{"SEMAPHORES_GLOBAL", integer(func(c *Config) *int { return &c.Semaphores.Global })},
	{"COORDINATOR_HEARTBEAT_INTERVAL", duration(func(c *Config) *Duration { return &c.Coordinator.HeartbeatInterval })},
	{"COORDINATOR_HEARTBEAT_TIMEOUT", duration(func(c *Config) *Duration { return &c.Coordinator.HeartbeatTimeout })},
	{"COORDINATOR_VALIDITY_CHECKS", boolean(func(c *Config) *bool { return &c.Coordinator.ValidityChecks })},
	{"ARCHIVE_ENABLED", boolean(func(c *Config) *bool { return &c.Archive.Enabled })},
	{"ARCHIVE_ENDPOINT", str(func(c *Config) *string { return &c.Archive.Endpoint })},
	{"ARCHIVE_BUCKET", str(func(c *Config) *string { return &c.Archive.Bucket })},
	{"ARCHIVE_ACCESS_KEY", str(func(c *Config) *string { return &c.Archive.AccessKey })},
	{"ARCHIVE_SECRET_KEY", str(func(c *Config) *string { return &c.Archive.SecretKey })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}
