package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerEnvPrefix prefixes the remote server's environment, e.g.
// EMOSYNC_SERVER_ADDR.
const ServerEnvPrefix = "EMOSYNC_SERVER"

// ServerConfig configures "emosync serve". It is read from the environment
// only, the way the server is deployed.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:"127.0.0.1:8787"`
	DBPath          string        `envconfig:"DB_PATH" default:"emosync-server.db"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoadServer reads ServerConfig from EMOSYNC_SERVER_* variables.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process(ServerEnvPrefix, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to load server config: %w", err)
	}
	if cfg.Addr == "" {
		return ServerConfig{}, fmt.Errorf("%s_ADDR cannot be empty", ServerEnvPrefix)
	}
	if cfg.DBPath == "" {
		return ServerConfig{}, fmt.Errorf("%s_DB_PATH cannot be empty", ServerEnvPrefix)
	}
	return cfg, nil
}
