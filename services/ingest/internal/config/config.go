package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

const (
	SourceERDDAP  = "erddap"
	SourceArgovis = "argovis"

	defaultWindow           = time.Hour
	defaultRequestTimeout   = 180 * time.Second
	defaultWindowPause      = 300 * time.Millisecond
	defaultRetryAttempts    = 10
	defaultRetryBaseDelay   = 5 * time.Second
	defaultRetryMaxDelay    = 120 * time.Second
	defaultRetryJitter      = 5 * time.Second
	defaultBreakerThreshold = 10
	defaultBreakerCooldown  = 2 * time.Minute
	defaultSinkBatchSize    = 500
)

// Config holds runtime configuration for the ingest service.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	Source      string `yaml:"source"`

	ERDDAPURL     string `yaml:"erddap_url"`
	ERDDAPDataset string `yaml:"erddap_dataset"`
	ArgovisURL    string `yaml:"argovis_url"`
	ArgovisAPIKey string `yaml:"argovis_api_key"`

	Start time.Time `yaml:"-"`
	End   time.Time `yaml:"-"`

	Window         time.Duration `yaml:"window"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WindowPause    time.Duration `yaml:"window_pause"`

	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	RetryJitter    time.Duration `yaml:"retry_jitter"`

	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`

	SinkBatchSize  int    `yaml:"sink_batch_size"`
	CheckpointName string `yaml:"checkpoint_name"`
	CheckpointFile string `yaml:"checkpoint_file"`

	Region     models.Region `yaml:"region"`
	RegionName string        `yaml:"region_name"`

	StatusAddr        string `yaml:"status_addr"`
	StatusBearerToken string `yaml:"status_bearer_token"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Prefetch  bool `yaml:"prefetch"`
	DryRun    bool `yaml:"dry_run"`
	StatsOnly bool `yaml:"-"`
}

// fileConfig is the YAML document shape; times are plain strings there.
type fileConfig struct {
	Config `yaml:",inline"`
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
}

func defaults(now time.Time) Config {
	return Config{
		Source:           SourceERDDAP,
		End:              now.UTC().Truncate(time.Hour),
		Window:           defaultWindow,
		RequestTimeout:   defaultRequestTimeout,
		WindowPause:      defaultWindowPause,
		RetryAttempts:    defaultRetryAttempts,
		RetryBaseDelay:   defaultRetryBaseDelay,
		RetryMaxDelay:    defaultRetryMaxDelay,
		RetryJitter:      defaultRetryJitter,
		BreakerThreshold: defaultBreakerThreshold,
		BreakerCooldown:  defaultBreakerCooldown,
		SinkBatchSize:    defaultSinkBatchSize,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads configuration with increasing precedence from built-in defaults,
// an optional YAML file (--config or INGEST_CONFIG_FILE), environment
// variables (optionally .env) and command-line flags.
func Load(args []string) (Config, error) {
	return load(args, time.Now())
}

func load(args []string, now time.Time) (Config, error) {
	_ = godotenv.Load(".env")

	fs := pflag.NewFlagSet("argo-ingest", pflag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (overrides INGEST_CONFIG_FILE)")
	start := fs.String("start", "", "backfill start, RFC 3339 or YYYY-MM-DD (INGEST_START)")
	end := fs.String("end", "", "backfill end, exclusive (INGEST_END)")
	source := fs.String("source", "", "upstream source: erddap or argovis (INGEST_SOURCE)")
	region := fs.String("region", "", `named region such as "Bay of Bengal"; replaces REGION_* bounds (INGEST_REGION)`)
	window := fs.Duration("window", 0, "fetch window width (INGEST_WINDOW)")
	dryRun := fs.Bool("dry-run", false, "fetch and parse without writing to the database (DRY_RUN)")
	prefetch := fs.Bool("prefetch", false, "fetch the next window while persisting the current one (PREFETCH)")
	stats := fs.Bool("stats", false, "print stored data statistics and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaults(now)

	path := strings.TrimSpace(os.Getenv("INGEST_CONFIG_FILE"))
	if fs.Changed("config") {
		path = *configPath
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if fs.Changed("start") {
		t, err := parseTime(*start)
		if err != nil {
			return cfg, fmt.Errorf("invalid --start: %w", err)
		}
		cfg.Start = t
	}
	if fs.Changed("end") {
		t, err := parseTime(*end)
		if err != nil {
			return cfg, fmt.Errorf("invalid --end: %w", err)
		}
		cfg.End = t
	}
	if fs.Changed("source") {
		cfg.Source = *source
	}
	if fs.Changed("region") {
		cfg.RegionName = *region
	}
	if fs.Changed("window") {
		cfg.Window = *window
	}
	if fs.Changed("dry-run") {
		cfg.DryRun = *dryRun
	}
	if fs.Changed("prefetch") {
		cfg.Prefetch = *prefetch
	}
	cfg.StatsOnly = *stats

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if strings.TrimSpace(cfg.RegionName) != "" {
		r, ok := LookupRegion(cfg.RegionName)
		if !ok {
			return cfg, fmt.Errorf("invalid INGEST_REGION %q: known regions are %s",
				cfg.RegionName, strings.Join(RegionNames(), ", "))
		}
		cfg.Region = r
	}
	if cfg.CheckpointName == "" {
		cfg.CheckpointName = cfg.Source
	}

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if fc.Start != "" {
		t, err := parseTime(fc.Start)
		if err != nil {
			return fmt.Errorf("invalid start in %s: %w", path, err)
		}
		fc.Config.Start = t
	}
	if fc.End != "" {
		t, err := parseTime(fc.End)
		if err != nil {
			return fmt.Errorf("invalid end in %s: %w", path, err)
		}
		fc.Config.End = t
	}
	*cfg = fc.Config
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Source, "INGEST_SOURCE")
	setString(&cfg.RegionName, "INGEST_REGION")
	setString(&cfg.ERDDAPURL, "ERDDAP_URL")
	setString(&cfg.ERDDAPDataset, "ERDDAP_DATASET")
	setString(&cfg.ArgovisURL, "ARGOVIS_URL")
	setString(&cfg.ArgovisAPIKey, "ARGOVIS_API_KEY")
	setString(&cfg.CheckpointName, "CHECKPOINT_NAME")
	setString(&cfg.CheckpointFile, "CHECKPOINT_FILE")
	setString(&cfg.StatusAddr, "STATUS_ADDR")
	setString(&cfg.StatusBearerToken, "STATUS_BEARER_TOKEN")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	var errs []error
	errs = append(errs,
		setTime(&cfg.Start, "INGEST_START"),
		setTime(&cfg.End, "INGEST_END"),
		setDuration(&cfg.Window, "INGEST_WINDOW"),
		setDuration(&cfg.RequestTimeout, "INGEST_REQUEST_TIMEOUT"),
		setDuration(&cfg.WindowPause, "INGEST_WINDOW_PAUSE"),
		setInt(&cfg.RetryAttempts, "RETRY_ATTEMPTS"),
		setDuration(&cfg.RetryBaseDelay, "RETRY_BASE_DELAY"),
		setDuration(&cfg.RetryMaxDelay, "RETRY_MAX_DELAY"),
		setDuration(&cfg.RetryJitter, "RETRY_JITTER"),
		setInt(&cfg.BreakerThreshold, "BREAKER_THRESHOLD"),
		setDuration(&cfg.BreakerCooldown, "BREAKER_COOLDOWN"),
		setInt(&cfg.SinkBatchSize, "SINK_BATCH_SIZE"),
		setFloat(&cfg.Region.LatMin, "REGION_LAT_MIN"),
		setFloat(&cfg.Region.LatMax, "REGION_LAT_MAX"),
		setFloat(&cfg.Region.LonMin, "REGION_LON_MIN"),
		setFloat(&cfg.Region.LonMax, "REGION_LON_MAX"),
		setBool(&cfg.Prefetch, "PREFETCH"),
		setBool(&cfg.DryRun, "DRY_RUN"),
	)
	return errors.Join(errs...)
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && !c.DryRun {
		return errors.New("DATABASE_URL is required")
	}
	if c.Source != SourceERDDAP && c.Source != SourceArgovis {
		return fmt.Errorf("invalid INGEST_SOURCE %q: want %s or %s", c.Source, SourceERDDAP, SourceArgovis)
	}
	if c.StatsOnly {
		return nil
	}
	if c.Start.IsZero() {
		return errors.New("INGEST_START is required")
	}
	if !c.Start.Before(c.End) {
		return fmt.Errorf("INGEST_START %s must be before INGEST_END %s", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
	}
	if c.Window <= 0 {
		return errors.New("INGEST_WINDOW must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("INGEST_REQUEST_TIMEOUT must be positive")
	}
	if c.RetryAttempts < 1 {
		return errors.New("RETRY_ATTEMPTS must be at least 1")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 || c.RetryJitter < 0 || c.WindowPause < 0 || c.BreakerCooldown < 0 {
		return errors.New("delays must not be negative")
	}
	if c.BreakerThreshold < 0 {
		return errors.New("BREAKER_THRESHOLD must not be negative")
	}
	if c.SinkBatchSize < 1 {
		return errors.New("SINK_BATCH_SIZE must be at least 1")
	}
	if !c.Region.IsZero() {
		r := c.Region
		if !models.ValidLatitude(r.LatMin) || !models.ValidLatitude(r.LatMax) || r.LatMin >= r.LatMax {
			return fmt.Errorf("invalid region latitude bounds [%g, %g]", r.LatMin, r.LatMax)
		}
		if !models.ValidLongitude(r.LonMin) || !models.ValidLongitude(r.LonMax) || r.LonMin >= r.LonMax {
			return fmt.Errorf("invalid region longitude bounds [%g, %g]", r.LonMin, r.LonMax)
		}
	}
	return nil
}

// parseTime accepts RFC 3339 or a bare UTC date.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setTime(dst *time.Time, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	t, err := parseTime(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = t
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = v == "1" || strings.EqualFold(v, "true")
	return nil
}
