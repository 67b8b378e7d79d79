package config

import (
	"net"
	"os"
	"strconv"
	"strings"
)

// Runtime holds process settings read from the environment. Unlike the YAML
// document these never change while the process runs.
type Runtime struct {
	ConfigPath   string
	StatePath    string
	StateBackend string
	PostgresDSN  string
	Host         string
	Port         int
	LogLevel     string
}

func LoadRuntime() Runtime {
	port, err := strconv.Atoi(getenv("AVOCADO_PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		port = 8080
	}
	return Runtime{
		ConfigPath:   getenv("AVOCADO_CONFIG_PATH", "config.yaml"),
		StatePath:    getenv("AVOCADO_STATE_PATH", "data/state.db"),
		StateBackend: strings.ToLower(getenv("AVOCADO_STATE_BACKEND", "sqlite")),
		PostgresDSN:  getenv("AVOCADO_POSTGRES_DSN", ""),
		Host:         getenv("AVOCADO_HOST", "0.0.0.0"),
		Port:         port,
		LogLevel:     getenv("AVOCADO_LOG_LEVEL", "info"),
	}
}

func (r Runtime) ListenAddr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
