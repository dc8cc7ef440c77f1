package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/giovaniif/e-commerce/inventory/domain/stock"
)

const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Service      string            `yaml:"service"`
	Port         int               `yaml:"port"`
	LogLevel     string            `yaml:"logLevel"`
	LokiURL      string            `yaml:"lokiUrl"`
	OTLPEndpoint string            `yaml:"otlpEndpoint"`
	Store        StoreConfig       `yaml:"store"`
	Redis        RedisConfig       `yaml:"redis"`
	Kafka        KafkaConfig       `yaml:"kafka"`
	Reservation  ReservationConfig `yaml:"reservation"`
	Sweep        SweepConfig       `yaml:"sweep"`
	Seed         []SeedItem        `yaml:"seed"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	MongoURI      string `yaml:"mongoUri"`
	MongoDatabase string `yaml:"mongoDatabase"`
	PostgresDSN   string `yaml:"postgresDsn"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ReservationConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	MaxRetries     int           `yaml:"maxRetries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type SweepConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
}

type SeedItem struct {
	ProductId    string `yaml:"productId"`
	OnHand       int32  `yaml:"onHand"`
	ReorderLevel int32  `yaml:"reorderLevel"`
	MaxStock     int32  `yaml:"maxStock"`
}

func Default() Config {
	return Config{
		Service:  "inventory-service",
		Port:     8007,
		LogLevel: "info",
		Store: StoreConfig{
			Driver:        DriverMongo,
			MongoURI:      "mongodb://mongodb:27017",
			MongoDatabase: "ecommerce",
		},
		Kafka: KafkaConfig{Topic: "inventory-events"},
		Reservation: ReservationConfig{
			TTL:            30 * time.Minute,
			MaxRetries:     3,
			RetryBaseDelay: 50 * time.Millisecond,
			RequestTimeout: 10 * time.Second,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Interval:  5 * time.Minute,
			BatchSize: 500,
		},
	}
}

// Load starts from Default, applies the YAML file at path when path is not empty, then
// the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LokiURL, "LOKI_URL")
	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.MongoURI, "MONGODB_URI")
	setString(&c.Store.MongoDatabase, "MONGODB_DATABASE")
	setString(&c.Store.PostgresDSN, "POSTGRES_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")
	if s := os.Getenv("KAFKA_BROKERS"); s != "" {
		c.Kafka.Brokers = splitList(s)
	}

	if err := setInt(&c.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Reservation.MaxRetries, "RESERVATION_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setInt(&c.Sweep.BatchSize, "SWEEP_BATCH_SIZE"); err != nil {
		return err
	}
	if err := setDuration(&c.Reservation.TTL, "RESERVATION_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.Sweep.Interval, "SWEEP_INTERVAL"); err != nil {
		return err
	}
	if s := os.Getenv("SWEEP_ENABLED"); s != "" {
		enabled, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Wrap(err, "SWEEP_ENABLED")
		}
		c.Sweep.Enabled = enabled
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case DriverMongo:
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			problems = append(problems, "mongo driver needs MONGODB_URI and MONGODB_DATABASE")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			problems = append(problems, "postgres driver needs POSTGRES_DSN")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.Reservation.TTL <= 0 {
		problems = append(problems, "reservation ttl must be positive")
	}
	if c.Reservation.MaxRetries < 1 {
		problems = append(problems, "reservation maxRetries must be at least 1")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		problems = append(problems, "sweep interval must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		problems = append(problems, "sweep batchSize must be positive")
	}
	for i, item := range c.Seed {
		if item.ProductId == "" {
			problems = append(problems, fmt.Sprintf("seed[%d] has no productId", i))
		}
		if item.OnHand < 0 {
			problems = append(problems, fmt.Sprintf("seed[%d] has negative onHand", i))
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// SeedRecords turns the seed list into ledger records, filling the default thresholds.
func (c Config) SeedRecords(now time.Time) []stock.Record {
	records := make([]stock.Record, 0, len(c.Seed))
	for _, item := range c.Seed {
		record := stock.NewRecord(item.ProductId, item.OnHand, now)
		if item.ReorderLevel > 0 {
			record.ReorderLevel = item.ReorderLevel
		}
		if item.MaxStock > 0 {
			record.MaxStock = item.MaxStock
		}
		records = append(records, record)
	}
	return records
}

func setString(target *string, name string) {
	if s := os.Getenv(name); s != "" {
		*target = s
	}
}

func setInt(target *int, name string) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrap(err, name)
	}
	*target = n
	return nil
}

// setDuration accepts Go durations ("90s") and, like the older env vars, plain seconds.
func setDuration(target *time.Duration, name string) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*target = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrap(err, name)
	}
	*target = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
