package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourcesConfig holds one block per upstream source.
type SourcesConfig struct {
	RegistryAPI SourceConfig `yaml:"registry_api" mapstructure:"registry_api"`
	ScrapeSite  SourceConfig `yaml:"scrape_site" mapstructure:"scrape_site"`
	Enrichment  SourceConfig `yaml:"enrichment" mapstructure:"enrichment"`
}

// SourceConfig configures the connector and Rate/Backoff Controller of one
// source. Budgets of zero are unlimited.
type SourceConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	RatePerSec          float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseMs       int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffMaxMs        int     `yaml:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	JitterFraction      float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	CircuitThreshold    int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitCooldownSecs int     `yaml:"circuit_cooldown_secs" mapstructure:"circuit_cooldown_secs"`

	Confidence     float64 `yaml:"confidence" mapstructure:"confidence"`
	MaxPages       int     `yaml:"max_pages" mapstructure:"max_pages"`
	TimeBudgetSecs int     `yaml:"time_budget_secs" mapstructure:"time_budget_secs"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`

	// registry_api
	Segments    []string `yaml:"segments" mapstructure:"segments"`
	Area        string   `yaml:"area" mapstructure:"area"`
	PerPage     int      `yaml:"per_page" mapstructure:"per_page"`
	SkipDetails bool     `yaml:"skip_details" mapstructure:"skip_details"`

	// scrape_site
	ActivityCodes []string `yaml:"activity_codes" mapstructure:"activity_codes"`

	// enrichment
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// PipelineConfig configures reconciliation and admission.
type PipelineConfig struct {
	AdmissionThreshold  int      `yaml:"admission_threshold" mapstructure:"admission_threshold"`
	SimilarityThreshold float64  `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	MaxCircuitTrips     int      `yaml:"max_circuit_trips" mapstructure:"max_circuit_trips"`
	AssignFallbackKeys  bool     `yaml:"assign_fallback_keys" mapstructure:"assign_fallback_keys"`
	ActivityPrefixes    []string `yaml:"activity_prefixes" mapstructure:"activity_prefixes"`
	Keywords            []string `yaml:"keywords" mapstructure:"keywords"`
}

// EnrichmentConfig configures the enrichment pass.
type EnrichmentConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	BatchSize int  `yaml:"batch_size" mapstructure:"batch_size"`
}

// ExportConfig configures finalized output.
type ExportConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "registry.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("export.format", "csv")
	v.SetDefault("export.path", "data/companies.csv")

	v.SetDefault("pipeline.admission_threshold", 100)
	v.SetDefault("pipeline.similarity_threshold", 0.85)
	v.SetDefault("pipeline.max_circuit_trips", 3)
	v.SetDefault("pipeline.assign_fallback_keys", false)
	v.SetDefault("pipeline.activity_prefixes", []string{"62.0", "63.1", "58.2"})
	v.SetDefault("pipeline.keywords", []string{
		"разработ", "software", "програм", "it ", "ит-",
		"digital", "диджитал", "tech", "тех", "интегратор",
		"saas", "cloud", "облач", "devops", "data",
		"автоматизац", "цифров", "систем", "веб", "web",
		"mobile", "мобил", "app", "приложен",
	})
	v.SetDefault("enrichment.enabled", true)
	v.SetDefault("enrichment.batch_size", 50)

	sources := map[string]struct {
		baseURL    string
		rate       float64
		confidence float64
	}{
		"registry_api": {"https://api.hh.ru", 2, 0.6},
		"scrape_site":  {"https://www.list-org.com", 1, 0.8},
		"enrichment":   {"https://suggestions.dadata.ru/suggestions/api/4_1/rs", 10, 0.9},
	}
	for name, s := range sources {
		p := "sources." + name + "."
		v.SetDefault(p+"enabled", true)
		v.SetDefault(p+"base_url", s.baseURL)
		v.SetDefault(p+"rate_per_sec", s.rate)
		v.SetDefault(p+"burst", 1)
		v.SetDefault(p+"max_attempts", 3)
		v.SetDefault(p+"backoff_base_ms", 500)
		v.SetDefault(p+"backoff_max_ms", 30000)
		v.SetDefault(p+"jitter_fraction", 0.25)
		v.SetDefault(p+"circuit_threshold", 5)
		v.SetDefault(p+"circuit_cooldown_secs", 60)
		v.SetDefault(p+"confidence", s.confidence)
		v.SetDefault(p+"max_pages", 0)
		v.SetDefault(p+"time_budget_secs", 0)
		v.SetDefault(p+"timeout_secs", 30)
		v.SetDefault(p+"user_agent", "registry-cli/1.0")
	}
	v.SetDefault("sources.registry_api.segments", []string{"industry:7"})
	v.SetDefault("sources.registry_api.area", "113")
	v.SetDefault("sources.registry_api.per_page", 100)
	v.SetDefault("sources.scrape_site.activity_codes", []string{"62.01", "62.02", "62.03", "62.09", "63.11", "58.29"})
	v.SetDefault("sources.enrichment.api_key", "")
	v.SetDefault("sources.enrichment.concurrency", 4)
}

// Validate checks that the configuration is usable for the given command
// mode: "run", "enrich", "export", "serve" or "inspect".
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case "run":
		c.validateSources(add)
		c.validatePipeline(add)
		if c.Enrichment.BatchSize < 1 || c.Enrichment.BatchSize > 500 {
			add("enrichment.batch_size must be between 1 and 500")
		}
	case "enrich":
		c.validatePipeline(add)
		if c.Sources.Enrichment.APIKey == "" {
			add("sources.enrichment.api_key is required")
		}
		if c.Enrichment.BatchSize < 1 || c.Enrichment.BatchSize > 500 {
			add("enrichment.batch_size must be between 1 and 500")
		}
	case "export":
		c.validatePipeline(add)
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "inspect":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSources(add func(string, ...any)) {
	blocks := map[string]SourceConfig{
		"registry_api": c.Sources.RegistryAPI,
		"scrape_site":  c.Sources.ScrapeSite,
		"enrichment":   c.Sources.Enrichment,
	}
	for name, s := range blocks {
		if !s.Enabled {
			continue
		}
		if s.Confidence <= 0 || s.Confidence > 1 {
			add("sources.%s.confidence must be in (0, 1]", name)
		}
		if s.JitterFraction < 0 || s.JitterFraction > 1 {
			add("sources.%s.jitter_fraction must be in [0, 1]", name)
		}
		if s.RatePerSec < 0 {
			add("sources.%s.rate_per_sec must be >= 0", name)
		}
		if s.MaxPages < 0 || s.TimeBudgetSecs < 0 {
			add("sources.%s budgets must be >= 0", name)
		}
	}
	if c.Sources.RegistryAPI.Enabled && len(c.Sources.RegistryAPI.Segments) == 0 {
		add("sources.registry_api.segments must not be empty")
	}
	if c.Sources.ScrapeSite.Enabled && len(c.Sources.ScrapeSite.ActivityCodes) == 0 {
		add("sources.scrape_site.activity_codes must not be empty")
	}
}

func (c *Config) validatePipeline(add func(string, ...any)) {
	if c.Pipeline.AdmissionThreshold < 0 {
		add("pipeline.admission_threshold must be >= 0")
	}
	if c.Pipeline.SimilarityThreshold <= 0 || c.Pipeline.SimilarityThreshold > 1 {
		add("pipeline.similarity_threshold must be in (0, 1]")
	}
	if c.Pipeline.MaxCircuitTrips < 1 {
		add("pipeline.max_circuit_trips must be >= 1")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
