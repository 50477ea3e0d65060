package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"quota-gateway/internal/domain"

	"github.com/joho/godotenv"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Rate Limiting Configuration
	RateLimitEnabled bool
	DefaultIPLimit   int
	RateWindow       int // em segundos
	DefaultBurst     int
	ExemptIPs        []string
	ExemptUserIDs    []string

	// Rules File
	RulesFile      string
	WatchRulesFile bool

	// Storage Configuration
	StorageType    string
	StorageTimeout time.Duration
	MemoryShards   int

	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Gateway Behaviour
	FailurePolicy        string
	FailClosedRetryAfter int // em segundos
	AdmissionMode        string
	RefundStatuses       []int
	TrustIdentityHeaders bool

	// Server Configuration
	ServerPort string
	GinMode    string
	AdminToken string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// EnvFileFound indica se um .env foi carregado
	EnvFileFound bool
}

// ConfigLoader implementa a interface domain.ConfigLoader
type ConfigLoader struct {
	mu     sync.Mutex
	config *Config
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega o .env e as variáveis de ambiente, depois o arquivo
// de regras
func (c *ConfigLoader) LoadConfig() (*domain.RateLimitConfig, error) {
	// Se não encontrar .env, continua com variáveis do sistema
	envFound := godotenv.Load() == nil

	config, err := loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}
	config.EnvFileFound = envFound

	c.mu.Lock()
	c.config = config
	c.mu.Unlock()

	return c.buildRateLimitConfig(config)
}

// Reload relê apenas o arquivo de regras; variáveis de ambiente só mudam
// com reinício
func (c *ConfigLoader) Reload() (*domain.RateLimitConfig, error) {
	c.mu.Lock()
	config := c.config
	c.mu.Unlock()

	if config == nil {
		return c.LoadConfig()
	}
	return c.buildRateLimitConfig(config)
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *ConfigLoader) buildRateLimitConfig(config *Config) (*domain.RateLimitConfig, error) {
	file, err := LoadRulesFile(config.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules file: %w", err)
	}

	rateLimitConfig, err := BuildRateLimitConfig(config, file)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limit config: %w", err)
	}
	return rateLimitConfig, nil
}

// loadFromEnv carrega configurações das variáveis de ambiente
func loadFromEnv() (*Config, error) {
	config := &Config{
		// Redis defaults
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		StorageType: strings.ToLower(getEnvWithDefault("STORAGE_TYPE", "memory")),
		RulesFile:   getEnvWithDefault("RULES_FILE", "config/rules.yaml"),

		FailurePolicy: strings.ToLower(getEnvWithDefault("FAILURE_POLICY", "open")),
		AdmissionMode: strings.ToLower(getEnvWithDefault("ADMISSION_MODE", "atomic")),

		// Server defaults
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),
		AdminToken: getEnvWithDefault("ADMIN_TOKEN", ""),

		// Logging defaults
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		ExemptIPs:     splitList(os.Getenv("EXEMPT_IPS")),
		ExemptUserIDs: splitList(os.Getenv("EXEMPT_USER_IDS")),
	}

	var err error
	if config.RateLimitEnabled, err = getBool("RATE_LIMIT_ENABLED", true); err != nil {
		return nil, err
	}
	if config.WatchRulesFile, err = getBool("WATCH_RULES_FILE", true); err != nil {
		return nil, err
	}
	if config.TrustIdentityHeaders, err = getBool("TRUST_IDENTITY_HEADERS", false); err != nil {
		return nil, err
	}

	if config.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if config.MemoryShards, err = getInt("MEMORY_SHARDS", 32); err != nil {
		return nil, err
	}
	if config.DefaultIPLimit, err = getInt("DEFAULT_IP_LIMIT", 10); err != nil {
		return nil, err
	}
	if config.RateWindow, err = getInt("RATE_WINDOW", 60); err != nil {
		return nil, err
	}
	if config.DefaultBurst, err = getInt("DEFAULT_BURST", 0); err != nil {
		return nil, err
	}
	if config.FailClosedRetryAfter, err = getInt("FAIL_CLOSED_RETRY_AFTER", 5); err != nil {
		return nil, err
	}

	timeoutMS, err := getInt("STORAGE_TIMEOUT_MS", 500)
	if err != nil {
		return nil, err
	}
	config.StorageTimeout = time.Duration(timeoutMS) * time.Millisecond

	for _, raw := range splitList(os.Getenv("REFUND_STATUSES")) {
		status, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REFUND_STATUSES value %q: %w", raw, err)
		}
		config.RefundStatuses = append(config.RefundStatuses, status)
	}

	// Valida configurações obrigatórias
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func validateConfig(config *Config) error {
	if config.DefaultIPLimit <= 0 {
		return fmt.Errorf("DEFAULT_IP_LIMIT must be greater than 0")
	}

	if config.RateWindow <= 0 {
		return fmt.Errorf("RATE_WINDOW must be greater than 0")
	}

	if config.DefaultBurst < 0 {
		return fmt.Errorf("DEFAULT_BURST must not be negative")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if config.MemoryShards <= 0 {
		return fmt.Errorf("MEMORY_SHARDS must be greater than 0")
	}

	if config.StorageTimeout < 0 {
		return fmt.Errorf("STORAGE_TIMEOUT_MS must not be negative")
	}

	if config.FailClosedRetryAfter <= 0 {
		return fmt.Errorf("FAIL_CLOSED_RETRY_AFTER must be greater than 0")
	}

	switch config.StorageType {
	case "memory", "redis":
	default:
		return fmt.Errorf("STORAGE_TYPE must be memory or redis, got %q", config.StorageType)
	}

	switch config.FailurePolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("FAILURE_POLICY must be open or closed, got %q", config.FailurePolicy)
	}

	switch config.AdmissionMode {
	case "atomic", "split":
	default:
		return fmt.Errorf("ADMISSION_MODE must be atomic or split, got %q", config.AdmissionMode)
	}

	for _, status := range config.RefundStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("REFUND_STATUSES contains invalid HTTP status %d", status)
		}
	}

	return nil
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value, err := strconv.Atoi(getEnvWithDefault(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return value, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value, err := strconv.ParseBool(getEnvWithDefault(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return false, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return value, nil
}

// splitList separa uma lista CSV, ignorando itens vazios
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

var _ domain.ConfigLoader = (*ConfigLoader)(nil)
