package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/services"
	"ticket-monitor/utils"
)

const defaultPlatformsFile = "./config/platforms.yaml"

// Config holds the process settings from the environment and the platform
// and threshold settings from the YAML file.
type Config struct {
	DBDriver         string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MySQLDSN         string

	MaxConcurrentScrapers   int
	ScrapeInterval          time.Duration
	ScrapeBackoffMultiplier float64
	QueueWorkers            int

	HTTPAddr     string
	AuditCSVPath string
	DryRun       bool
	LogLevel     string

	PlatformsFile string
	Platforms     []models.PlatformConfig
	Normalizer    services.NormalizerConfig
	Decision      services.DecisionConfig
	Safety        services.SafetyConfig
	Criteria      models.SearchCriteria
	Users         []models.UserPreference
}

// Load reads .env and the environment, then the YAML file at path (or
// PLATFORMS_FILE when path is empty), and validates the result. A missing
// file is only tolerated at the default location, in which case one offline
// mock platform is configured.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{
		DBDriver:         getEnv("DB_DRIVER", "memory"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "tickets"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "ticket_monitor"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		MySQLDSN:         getEnv("MYSQL_DSN", ""),

		MaxConcurrentScrapers:   getEnvInt("MAX_CONCURRENT_SCRAPERS", 4),
		ScrapeInterval:          getEnvDuration("SCRAPE_INTERVAL", 5*time.Minute),
		ScrapeBackoffMultiplier: getEnvFloat("SCRAPE_BACKOFF_MULTIPLIER", 2),
		QueueWorkers:            getEnvInt("QUEUE_WORKERS", 4),

		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		AuditCSVPath: getEnv("AUDIT_CSV_PATH", "./output/purchase_audit.csv"),
		DryRun:       getEnvBool("DRY_RUN", true),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		PlatformsFile: path,
		Criteria: models.SearchCriteria{
			Keyword:       getEnv("SEARCH_KEYWORD", ""),
			City:          getEnv("SEARCH_CITY", ""),
			MaxPriceMinor: int64(getEnvInt("SEARCH_MAX_PRICE_MINOR", 0)),
			MaxResults:    getEnvInt("SEARCH_MAX_RESULTS", 50),
		},
	}
	if cfg.PlatformsFile == "" {
		cfg.PlatformsFile = getEnv("PLATFORMS_FILE", defaultPlatformsFile)
	}
	if days := getEnvInt("SEARCH_DAYS_AHEAD", 0); days > 0 {
		cfg.Criteria.DateFrom = time.Now().UTC().Truncate(24 * time.Hour)
		cfg.Criteria.DateTo = cfg.Criteria.DateFrom.Add(time.Duration(days) * 24 * time.Hour)
	}

	f := defaultFile()
	data, err := os.ReadFile(cfg.PlatformsFile)
	switch {
	case errors.Is(err, os.ErrNotExist) && cfg.PlatformsFile == defaultPlatformsFile:
		log.Printf("[config] %s not found, using the offline mock platform", cfg.PlatformsFile)
		f.Platforms = []models.PlatformConfig{{
			PlatformID: "demo", Enabled: true, Kind: models.KindMock,
			RateLimitPerSecond: 5, RateLimitPerHour: 3600, MaxRetries: 2, RetryDelayMs: 200,
			ReliabilityMultiplier: 0.9, TimeoutMs: 5000,
		}}
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", cfg.PlatformsFile, err)
	default:
		if err := f.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", cfg.PlatformsFile, err)
		}
	}

	if err := cfg.apply(f); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// Level is the configured minimum log level.
func (c *Config) Level() utils.Level { return utils.ParseLevel(c.LogLevel) }

// EnabledPlatforms lists the enabled entries in file order.
func (c *Config) EnabledPlatforms() []models.PlatformConfig {
	var out []models.PlatformConfig
	for _, p := range c.Platforms {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

type file struct {
	Platforms  []models.PlatformConfig   `yaml:"platforms"`
	Normalizer services.NormalizerConfig `yaml:"normalizer"`
	Decision   decisionFile              `yaml:"decision"`
	Safety     safetyFile                `yaml:"safety"`
	Users      []userFile                `yaml:"users"`
}

type weightsFile struct {
	Price      float64 `yaml:"price"`
	Demand     float64 `yaml:"demand"`
	Platform   float64 `yaml:"platform"`
	Timing     float64 `yaml:"timing"`
	Preference float64 `yaml:"user_preference"`
	Success    float64 `yaml:"success_probability"`
}

type decisionFile struct {
	Weights                weightsFile `yaml:"weights"`
	AutoPurchaseMinScore   float64     `yaml:"auto_purchase_min_score"`
	RecommendationMinScore float64     `yaml:"recommendation_min_score"`
	MinSuccessProbability  float64     `yaml:"min_success_probability"`
	MaxPriceVariance       float64     `yaml:"max_price_variance"`
	DefaultBudgetMinor     int64       `yaml:"default_budget_minor"`
}

type rateLimitFile struct {
	PerUserPerHour       int64 `yaml:"per_user_per_hour"`
	PerPlatformPerMinute int64 `yaml:"per_platform_per_minute"`
	GlobalPerMinute      int64 `yaml:"global_per_minute"`
}

type fraudFile struct {
	MaxPriceAnomalyThreshold float64 `yaml:"max_price_anomaly_threshold"`
	MinSamples               int     `yaml:"min_samples"`
	Block                    bool    `yaml:"block"`
}

type breakerFile struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int `yaml:"half_open_max_calls"`
}

type safetyFile struct {
	MaxSinglePurchaseMinor    int64         `yaml:"max_single_purchase_minor"`
	MaxDailySpendPerUserMinor int64         `yaml:"max_daily_spend_per_user_minor"`
	RequireApprovalAboveMinor int64         `yaml:"require_approval_above_minor"`
	RateLimiting              rateLimitFile `yaml:"rate_limiting"`
	Fraud                     fraudFile     `yaml:"fraud"`
	MaxAutoRetries            int           `yaml:"max_auto_retries"`
	RetryBaseDelayMs          int           `yaml:"retry_base_delay_ms"`
	RetryBackoffMultiplier    float64       `yaml:"retry_backoff_multiplier"`
	RetryMaxDelayMs           int           `yaml:"retry_max_delay_ms"`
	PurchaseTimeoutMs         int           `yaml:"purchase_timeout_ms"`
	CircuitBreaker            breakerFile   `yaml:"circuit_breaker"`
}

type userFile struct {
	UserID              string   `yaml:"user_id"`
	MaxTicketPriceMinor int64    `yaml:"max_ticket_price_minor"`
	PreferredSections   []string `yaml:"preferred_sections"`
	PreferredPlatforms  []string `yaml:"preferred_platforms"`
	AutoPurchaseEnabled bool     `yaml:"auto_purchase_enabled"`
}

// defaultFile is decoded over, so keys absent from the YAML keep these values.
func defaultFile() file {
	n := services.DefaultNormalizerConfig()
	d := services.DefaultDecisionConfig()
	s := services.DefaultSafetyConfig()
	return file{
		Normalizer: n,
		Decision: decisionFile{
			Weights:                weightsFile{0.25, 0.20, 0.20, 0.15, 0.10, 0.10},
			AutoPurchaseMinScore:   d.AutoPurchaseMinScore,
			RecommendationMinScore: d.RecommendationMinScore,
			MinSuccessProbability:  d.MinSuccessProbability,
			MaxPriceVariance:       d.MaxPriceVariance,
			DefaultBudgetMinor:     d.DefaultBudgetMinor,
		},
		Safety: safetyFile{
			MaxSinglePurchaseMinor:    s.MaxSinglePurchaseMinor,
			MaxDailySpendPerUserMinor: s.MaxDailySpendPerUserMinor,
			RequireApprovalAboveMinor: s.RequireApprovalAboveMinor,
			RateLimiting: rateLimitFile{
				PerUserPerHour:       s.UserLimit.Max,
				PerPlatformPerMinute: s.PlatformLimit.Max,
				GlobalPerMinute:      s.GlobalLimit.Max,
			},
			Fraud: fraudFile{
				MaxPriceAnomalyThreshold: s.FraudThreshold,
				MinSamples:               s.FraudMinSamples,
				Block:                    s.BlockOnFraud,
			},
			MaxAutoRetries:         s.MaxAutoRetries,
			RetryBaseDelayMs:       int(s.Retry.BaseDelay / time.Millisecond),
			RetryBackoffMultiplier: s.Retry.Multiplier,
			RetryMaxDelayMs:        int(s.Retry.MaxDelay / time.Millisecond),
			PurchaseTimeoutMs:      int(s.PurchaseTimeout / time.Millisecond),
			CircuitBreaker: breakerFile{
				FailureThreshold:       s.BreakerThreshold,
				RecoveryTimeoutSeconds: int(s.BreakerRecovery / time.Second),
				HalfOpenMaxCalls:       s.BreakerHalfOpenMax,
			},
		},
	}
}

// decode expands ${VAR} references, so API keys can stay in the
// environment, and rejects keys the structs do not declare.
func (f *file) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *Config) apply(f file) error {
	var errs []error

	seen := make(map[string]bool, len(f.Platforms))
	for _, p := range f.Platforms {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.PlatformID] {
			errs = append(errs, fmt.Errorf("platform %q: duplicate platform_id", p.PlatformID))
			continue
		}
		seen[p.PlatformID] = true
		c.Platforms = append(c.Platforms, p)
	}
	if len(c.Platforms) == 0 && len(errs) == 0 {
		errs = append(errs, errors.New("no platforms configured"))
	}

	c.Normalizer = f.Normalizer
	if c.Normalizer.MaxPriceMinor > 0 && c.Normalizer.MinPriceMinor > c.Normalizer.MaxPriceMinor {
		errs = append(errs, errors.New("normalizer: min_price_minor above max_price_minor"))
	}
	if t := c.Normalizer.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("normalizer: similarity_threshold %.2f outside (0,1]", t))
	}

	w := f.Decision.Weights
	weights, err := models.NewWeights(w.Price, w.Demand, w.Platform, w.Timing, w.Preference, w.Success)
	if err != nil {
		errs = append(errs, fmt.Errorf("decision: %w", err))
	} else {
		c.Decision = services.DecisionConfig{
			Weights:                weights,
			AutoPurchaseMinScore:   f.Decision.AutoPurchaseMinScore,
			RecommendationMinScore: f.Decision.RecommendationMinScore,
			MinSuccessProbability:  f.Decision.MinSuccessProbability,
			MaxPriceVariance:       f.Decision.MaxPriceVariance,
			DefaultBudgetMinor:     f.Decision.DefaultBudgetMinor,
		}
		if err := c.Decision.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	c.Safety = f.Safety.config()
	if err := c.Safety.Validate(); err != nil {
		errs = append(errs, err)
	}

	for _, u := range f.Users {
		if strings.TrimSpace(u.UserID) == "" {
			errs = append(errs, errors.New("users: user_id is required"))
			continue
		}
		c.Users = append(c.Users, models.UserPreference(u))
	}
	if len(c.Users) == 0 {
		c.Users = []models.UserPreference{{
			UserID:              getEnv("DEFAULT_USER_ID", "default"),
			MaxTicketPriceMinor: int64(getEnvInt("DEFAULT_MAX_TICKET_PRICE_MINOR", 0)),
			AutoPurchaseEnabled: getEnvBool("AUTO_PURCHASE_ENABLED", false),
		}}
	}

	if c.MaxConcurrentScrapers < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_SCRAPERS must be at least 1"))
	}
	if c.ScrapeBackoffMultiplier < 1 {
		errs = append(errs, errors.New("SCRAPE_BACKOFF_MULTIPLIER must be at least 1"))
	}
	if c.ScrapeInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCRAPE_INTERVAL must be positive, got %v", c.ScrapeInterval))
	}
	if c.QueueWorkers < 1 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be at least 1"))
	}
	switch c.DBDriver {
	case "memory", "postgres":
	case "mysql":
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for DB_DRIVER=mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (s safetyFile) config() services.SafetyConfig {
	return services.SafetyConfig{
		MaxSinglePurchaseMinor:    s.MaxSinglePurchaseMinor,
		MaxDailySpendPerUserMinor: s.MaxDailySpendPerUserMinor,
		RequireApprovalAboveMinor: s.RequireApprovalAboveMinor,
		UserLimit:                 guard.WindowLimit{Max: s.RateLimiting.PerUserPerHour, Window: time.Hour},
		PlatformLimit:             guard.WindowLimit{Max: s.RateLimiting.PerPlatformPerMinute, Window: time.Minute},
		GlobalLimit:               guard.WindowLimit{Max: s.RateLimiting.GlobalPerMinute, Window: time.Minute},
		FraudThreshold:            s.Fraud.MaxPriceAnomalyThreshold,
		FraudMinSamples:           s.Fraud.MinSamples,
		BlockOnFraud:              s.Fraud.Block,
		MaxAutoRetries:            s.MaxAutoRetries,
		Retry: utils.RetryPolicy{
			BaseDelay:  time.Duration(s.RetryBaseDelayMs) * time.Millisecond,
			Multiplier: s.RetryBackoffMultiplier,
			MaxDelay:   time.Duration(s.RetryMaxDelayMs) * time.Millisecond,
		},
		PurchaseTimeout:    time.Duration(s.PurchaseTimeoutMs) * time.Millisecond,
		BreakerThreshold:   s.CircuitBreaker.FailureThreshold,
		BreakerRecovery:    time.Duration(s.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second,
		BreakerHalfOpenMax: s.CircuitBreaker.HalfOpenMaxCalls,
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
