package app

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage drivers.
const (
	DriverCSV      = "csv"
	DriverPostgres = "postgres"
)

const defaultOpsAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	OpsAddr   string `default:"0.0.0.0:8080" usage:"Listen address for /livez and /readyz" flag:"ops-addr"`
	Storage   StorageConfig
	Lifecycle LifecycleConfig
	Graceful  GracefulConfig
}

// StorageConfig selects where orders, promotions and catalog items live.
type StorageConfig struct {
	Driver         string `default:"csv" usage:"Storage driver: csv or postgres"`
	DataDir        string `default:"data" usage:"Directory of the CSV files" flag:"data-dir"`
	ItemsFile      string `default:"items.csv" usage:"Catalog file name inside the data dir" flag:"items-file"`
	OrdersFile     string `default:"orders.csv" usage:"Orders file name inside the data dir" flag:"orders-file"`
	PromotionsFile string `default:"promotions.csv" usage:"Promotions file name inside the data dir" flag:"promotions-file"`
	DatabaseURL    string `usage:"PostgreSQL connection URL (KART_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
}

// LifecycleConfig controls the automatic status scheduler.
type LifecycleConfig struct {
	Enabled            bool          `default:"true" usage:"Run the lifecycle scheduler on start"`
	PendingToShipped   time.Duration `default:"10s" usage:"Dwell in Pending before Shipped" flag:"pending-to-shipped"`
	ShippedToDelivered time.Duration `default:"20s" usage:"Dwell in Shipped before Delivered" flag:"shipped-to-delivered"`
	Tick               time.Duration `default:"1s" usage:"Scheduler scan interval"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// ItemsPath returns the catalog file path.
func (c StorageConfig) ItemsPath() string { return filepath.Join(c.DataDir, c.ItemsFile) }

// OrdersPath returns the orders file path.
func (c StorageConfig) OrdersPath() string { return filepath.Join(c.DataDir, c.OrdersFile) }

// PromotionsPath returns the promotions file path.
func (c StorageConfig) PromotionsPath() string { return filepath.Join(c.DataDir, c.PromotionsFile) }

// LoadConfig loads configuration from environment variables, flags and YAML
// config files, then applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(acfg aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, acfg).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverCSV:
		if c.Storage.DataDir == "" {
			return errors.New("storage data dir is required for the csv driver")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	for name, d := range map[string]time.Duration{
		"lifecycle.pending_to_shipped":   c.Lifecycle.PendingToShipped,
		"lifecycle.shipped_to_delivered": c.Lifecycle.ShippedToDelivered,
		"lifecycle.tick":                 c.Lifecycle.Tick,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Storage.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.OpsAddr == defaultOpsAddr {
		c.OpsAddr = "0.0.0.0:" + port
	}
}
