package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DbDriver        string
	DbURL           string
	RpcURL          string
	KafkaBroker     string
	KafkaGroupID    string
	SettlementTopic string
	AVSTopic        string
	ChunkSize       uint64
	FinalityOffset  uint64
	StartBlock      uint64
	APIPort         int

	ChainID          int64
	OrderBookAddress string
	EIP712Name       string
	EIP712Version    string

	Batch  BatchPolicy
	Health HealthPolicy

	PriceFeedAddress string
	PriceMaxAge      time.Duration
	EthPriceOverride float64

	OperatorJWTSecret   string
	SubmitRatePerMinute float64
	TrustProxyHeaders   bool

	LogLevel string
	LogFile  string
}

// BatchPolicy controls when a collecting batch is handed to the matcher.
type BatchPolicy struct {
	CollectionWindow time.Duration `yaml:"collection_window"`
	MinOrders        int           `yaml:"min_orders"`
	DisplayThreshold int           `yaml:"display_threshold"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

type HealthPolicy struct {
	Threshold        float64 `yaml:"threshold"`
	LiquidationBonus float64 `yaml:"liquidation_bonus"`
}

// fileOverlay is the optional YAML document referenced by CONFIG_FILE.
type fileOverlay struct {
	Batch  *BatchPolicy  `yaml:"batch"`
	Health *HealthPolicy `yaml:"health"`
	Domain *struct {
		Name              string `yaml:"name"`
		Version           string `yaml:"version"`
		ChainID           int64  `yaml:"chain_id"`
		VerifyingContract string `yaml:"verifying_contract"`
	} `yaml:"eip712"`
}

// NewConfig loads configuration from .env, the optional YAML overlay and
// environment variables, in increasing order of precedence.
func NewConfig() (*Config, error) {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DbDriver:        "postgres",
		KafkaGroupID:    "lendbook-settlement",
		SettlementTopic: "lendbook.settlement",
		AVSTopic:        "lendbook.avs.batches",
		ChunkSize:       100,
		FinalityOffset:  12,
		APIPort:         8080,
		ChainID:         84532,
		EIP712Name:      "LendingOrderBook",
		EIP712Version:   "1",
		Batch: BatchPolicy{
			CollectionWindow: 5 * time.Minute,
			MinOrders:        5,
			DisplayThreshold: 10,
			TickInterval:     15 * time.Second,
		},
		Health: HealthPolicy{
			Threshold:        1.2,
			LiquidationBonus: 0.05,
		},
		PriceMaxAge:         time.Hour,
		SubmitRatePerMinute: 60,
		LogLevel:            "info",
	}
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if b := overlay.Batch; b != nil {
		if b.CollectionWindow > 0 {
			c.Batch.CollectionWindow = b.CollectionWindow
		}
		if b.MinOrders > 0 {
			c.Batch.MinOrders = b.MinOrders
		}
		if b.DisplayThreshold > 0 {
			c.Batch.DisplayThreshold = b.DisplayThreshold
		}
		if b.TickInterval > 0 {
			c.Batch.TickInterval = b.TickInterval
		}
	}
	if h := overlay.Health; h != nil {
		if h.Threshold > 0 {
			c.Health.Threshold = h.Threshold
		}
		if h.LiquidationBonus > 0 {
			c.Health.LiquidationBonus = h.LiquidationBonus
		}
	}
	if d := overlay.Domain; d != nil {
		if d.Name != "" {
			c.EIP712Name = d.Name
		}
		if d.Version != "" {
			c.EIP712Version = d.Version
		}
		if d.ChainID != 0 {
			c.ChainID = d.ChainID
		}
		if d.VerifyingContract != "" {
			c.OrderBookAddress = d.VerifyingContract
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DbDriver = getEnvOrDefault("DB_DRIVER", c.DbDriver)
	c.DbURL = getEnvOrDefault("DB_URL", c.DbURL)
	c.RpcURL = getEnvOrDefault("RPC_URL", c.RpcURL)
	c.KafkaBroker = getEnvOrDefault("KAFKA_BROKER", c.KafkaBroker)
	c.KafkaGroupID = getEnvOrDefault("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.SettlementTopic = getEnvOrDefault("SETTLEMENT_TOPIC", c.SettlementTopic)
	c.AVSTopic = getEnvOrDefault("AVS_TOPIC", c.AVSTopic)
	c.ChunkSize = getEnvUint64("CHUNK_SIZE", c.ChunkSize)
	c.FinalityOffset = getEnvUint64("FINALITY_OFFSET", c.FinalityOffset)
	c.StartBlock = getEnvUint64("START_BLOCK", c.StartBlock)
	c.APIPort = getEnvInt("API_PORT", c.APIPort)

	c.ChainID = int64(getEnvInt("CHAIN_ID", int(c.ChainID)))
	c.OrderBookAddress = getEnvOrDefault("ORDER_BOOK_ADDRESS", c.OrderBookAddress)
	c.EIP712Name = getEnvOrDefault("EIP712_NAME", c.EIP712Name)
	c.EIP712Version = getEnvOrDefault("EIP712_VERSION", c.EIP712Version)

	c.Batch.CollectionWindow = getEnvDuration("BATCH_COLLECTION_WINDOW", c.Batch.CollectionWindow)
	c.Batch.MinOrders = getEnvInt("BATCH_MIN_ORDERS", c.Batch.MinOrders)
	c.Batch.DisplayThreshold = getEnvInt("BATCH_DISPLAY_THRESHOLD", c.Batch.DisplayThreshold)
	c.Batch.TickInterval = getEnvDuration("BATCH_TICK_INTERVAL", c.Batch.TickInterval)
	c.Health.Threshold = getEnvFloat("HEALTH_THRESHOLD", c.Health.Threshold)
	c.Health.LiquidationBonus = getEnvFloat("LIQUIDATION_BONUS", c.Health.LiquidationBonus)

	c.PriceFeedAddress = getEnvOrDefault("PRICE_FEED_ADDRESS", c.PriceFeedAddress)
	c.PriceMaxAge = getEnvDuration("PRICE_MAX_AGE", c.PriceMaxAge)
	c.EthPriceOverride = getEnvFloat("ETH_PRICE_OVERRIDE", c.EthPriceOverride)

	c.OperatorJWTSecret = getEnvOrDefault("OPERATOR_JWT_SECRET", c.OperatorJWTSecret)
	c.SubmitRatePerMinute = getEnvFloat("SUBMIT_RATE_PER_MINUTE", c.SubmitRatePerMinute)
	c.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", c.TrustProxyHeaders)

	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnvOrDefault("LOG_FILE", c.LogFile)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.DbURL == "" {
		return fmt.Errorf("DB_URL must be set")
	}
	if c.DbDriver != "postgres" && c.DbDriver != "sqlite" {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DbDriver)
	}
	if c.Batch.CollectionWindow <= 0 {
		return fmt.Errorf("batch collection window must be positive")
	}
	if c.Batch.MinOrders <= 0 {
		return fmt.Errorf("batch minimum order count must be positive")
	}
	if c.Batch.TickInterval <= 0 {
		return fmt.Errorf("batch tick interval must be positive")
	}
	if c.Health.Threshold <= 0 {
		return fmt.Errorf("health threshold must be positive")
	}
	if c.Health.LiquidationBonus < 0 {
		return fmt.Errorf("liquidation bonus must not be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
