package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"

	"github.com/fatgrid/warehouse-etl/internal/core/mongoexport"
	"github.com/fatgrid/warehouse-etl/internal/core/source"
	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
	"github.com/fatgrid/warehouse-etl/internal/core/warehouse"
)

//nolint:gochecknoglobals,revive // build variables
var (
	commit  string = "unspecified"
	version string = "unspecified"
)

type config struct {
	LogFormat    string     `default:"text" split_words:"true"`
	LogLevel     slog.Level `default:"info" split_words:"true"`
	LogAddSource bool       `default:"false" split_words:"true"`

	ClickHouse source.Config
	Warehouse  warehouse.Config
	Mongo      mongoexport.Config

	ServerAddr            string        `default:":8080" split_words:"true"`
	ServerWriteTimeout    time.Duration `default:"15s" split_words:"true"`
	ServerReadTimeout     time.Duration `default:"15s" split_words:"true"`
	ServerIdleTimeout     time.Duration `default:"5m" split_words:"true"`
	ServerShutdownTimeout time.Duration `default:"30s" split_words:"true"`

	// Cron expression; empty disables scheduled syncs in serve mode.
	SyncSchedule string `split_words:"true"`
}

func loadConfig() (zero config, _ error) {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return zero, fmt.Errorf("unable to parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config) *slog.Logger {
	//nolint:exhaustruct // optional config
	logOpts := &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogAddSource,
	}

	var logHandler slog.Handler
	switch cfg.LogFormat {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stdout, logOpts)
	default:
		//nolint:exhaustruct // optional config
		logHandler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  cfg.LogAddSource,
			TimeFormat: time.Kitchen,
		})
	}

	return slog.New(logHandler).With(
		slog.String("version", version),
		slog.String("commit_hash", commit),
		slog.String("goversion", runtime.Version()),
	)
}

// ConfigLoader reads a JSON config file into C.
type ConfigLoader[C any] struct {
	filePath string
}

func NewConfigLoader[C any](filePath string) (zero *ConfigLoader[C], _ error) {
	if len(filePath) == 0 {
		return zero, fmt.Errorf("config file path is empty")
	}
	return &ConfigLoader[C]{
		filePath: filePath,
	}, nil
}

func (cl *ConfigLoader[C]) Load() (zero C, _ error) {
	var config C
	jsFile, err := os.ReadFile(cl.filePath)
	if err != nil {
		return zero, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(jsFile, &config); err != nil {
		return zero, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return config, nil
}

// loadTargets returns the sync targets from the given JSON file, or the
// built-in defaults when no file is configured.
func loadTargets(path string) ([]syncer.Target, error) {
	if path == "" {
		return syncer.DefaultTargets(), nil
	}

	loader, err := NewConfigLoader[[]syncer.Target](path)
	if err != nil {
		return nil, err
	}
	targets, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("targets file %q is empty", path)
	}
	for i := range targets {
		if targets[i].Strategy == "" {
			targets[i].Strategy = syncer.StrategyOffset
		}
		if targets[i].BatchSize == 0 {
			targets[i].BatchSize = 50000
		}
	}
	return targets, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
