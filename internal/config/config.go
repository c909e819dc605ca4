package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the engine process.
// All values must come from env (or env-file loaded at startup).
// No scheduling logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Audit  AuditConfig
	Engine EngineConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit; production must not default silently.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// AuditConfig points at the external AI audit service.
type AuditConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// EngineConfig tunes the campaign dispatcher.
// Defaults applied in Validate(); they are deliberately conservative so a
// misconfigured campaign cannot hammer the downstream audit service.
type EngineConfig struct {
	// DefaultRPM is used when a campaign has no rpm configured (or rpm <= 0).
	DefaultRPM int
	// MaxRetries caps automatic requeues of a retryable job failure.
	MaxRetries int
	// MinFailureSample is the minimum attempted-job count before the
	// failure-threshold breaker is evaluated.
	MinFailureSample int
	// PollInterval is the dispatcher backoff when the queue is empty or
	// unavailable.
	PollInterval time.Duration
	// StaleAfter is the visibility timeout: jobs stuck in processing longer
	// than this are treated as abandoned and re-enqueued.
	StaleAfter time.Duration
	// MaxWorkers bounds concurrent executor calls per campaign.
	MaxWorkers int
	// SweepInterval controls how often the dispatcher re-lists active
	// campaigns to pick up starts/resumes.
	SweepInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Audit.URL = strings.TrimSpace(os.Getenv("AUDIT_API_URL"))
	c.Audit.APIKey = os.Getenv("AUDIT_API_KEY")
	c.Audit.Timeout = optDuration("AUDIT_TIMEOUT")

	c.Engine.DefaultRPM = optInt("ENGINE_DEFAULT_RPM")
	c.Engine.MaxRetries = optInt("ENGINE_MAX_RETRIES")
	c.Engine.MinFailureSample = optInt("ENGINE_MIN_FAILURE_SAMPLE")
	c.Engine.PollInterval = optDuration("ENGINE_POLL_INTERVAL")
	c.Engine.StaleAfter = optDuration("ENGINE_STALE_AFTER")
	c.Engine.MaxWorkers = optInt("ENGINE_MAX_WORKERS")
	c.Engine.SweepInterval = optDuration("ENGINE_SWEEP_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Audit.URL == "" && c.IsProduction() {
		errs = append(errs, errors.New("AUDIT_API_URL is required in production"))
	}
	if c.Audit.Timeout <= 0 {
		c.Audit.Timeout = 60 * time.Second
	}

	if c.Engine.DefaultRPM <= 0 {
		c.Engine.DefaultRPM = 10
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.MinFailureSample <= 0 {
		c.Engine.MinFailureSample = 5
	}
	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = time.Second
	}
	if c.Engine.StaleAfter <= 0 {
		c.Engine.StaleAfter = 2 * time.Minute
	}
	// The stale window must outlive a single audit call, otherwise in-flight
	// jobs get double-dispatched.
	if c.Engine.StaleAfter <= c.Audit.Timeout {
		errs = append(errs, fmt.Errorf("ENGINE_STALE_AFTER (%s) must be greater than AUDIT_TIMEOUT (%s)", c.Engine.StaleAfter, c.Audit.Timeout))
	}
	if c.Engine.MaxWorkers <= 0 {
		c.Engine.MaxWorkers = 8
	}
	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = 5 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optInt returns 0 for unset or malformed values; defaults applied in Validate.
func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
