package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DebugMode enables verbose per-frame logging.
var DebugMode bool

type Config struct {
	APIURL    string `env:"IDEX_API_URL" envDefault:"https://api.idex.market"`
	StreamURL string `env:"IDEX_STREAM_URL" envDefault:"wss://datastream.idex.market"`
	APIKey    string `env:"IDEX_API_KEY"`

	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"30m"`
	SnapshotDepth   int           `env:"SNAPSHOT_DEPTH" envDefault:"100"`

	StreamReadTimeout      time.Duration `env:"STREAM_READ_TIMEOUT" envDefault:"10s"`
	StreamMaxReconnects    int           `env:"STREAM_MAX_RECONNECTS" envDefault:"5"`
	StreamMaxReconnectWait time.Duration `env:"STREAM_MAX_RECONNECT_WAIT" envDefault:"60s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	DebugMode bool   `env:"DEBUG_MODE" envDefault:"false"`

	GRPCAddr    string   `env:"GRPC_ADDR"`
	MetricsAddr string   `env:"METRICS_ADDR" envDefault:":8080"`
	Markets     []string `env:"MARKETS" envSeparator:"," envDefault:"ETH_LTO"`
}

// Load reads the optional .env files and then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.SnapshotDepth <= 0 {
		return nil, errors.New("SNAPSHOT_DEPTH must be positive")
	}
	if cfg.RefreshInterval < 0 {
		return nil, errors.New("REFRESH_INTERVAL must not be negative")
	}

	DebugMode = cfg.DebugMode
	return cfg, nil
}
