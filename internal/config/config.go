package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the API process.
// All values come from env; a local .env file is loaded first when present.
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Twilio     TwilioConfig
	Telnyx     TelnyxConfig
	Calls      CallsConfig
	Billing    BillingConfig
	Dialer     DialerConfig
	Analysis   AnalysisConfig
	DeadLetter DeadLetterConfig
	OTEL       OTELConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used in provider callbacks.
	PublicBaseURL string

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	LogFile string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool

	// MaxOpenConns caps the pool; webhook bursts and settlement share it.
	MaxOpenConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// AuthConfig verifies tokens minted by the external identity provider.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	APIKey      string
	APISecret   string
	TwiMLAppSID string
	CallerID    string

	ValidateSignatures bool
	DeviceTokenTTL     time.Duration
}

type TelnyxConfig struct {
	APIKey           string
	ConnectionID     string
	BaseURL          string
	CallerID         string
	WebhookPublicKey string
}

type CallsConfig struct {
	// DefaultProvider is "twilio" or "telnyx".
	DefaultProvider string

	// MaxConcurrentPerTenant caps live outbound calls per tenant; 0 disables the cap.
	MaxConcurrentPerTenant int

	// IngressRetryWindow bounds how long a webhook waits for its call row to appear.
	IngressRetryWindow time.Duration
}

type BillingConfig struct {
	FallbackRatePerMinute decimal.Decimal
	FallbackIncrement     int
	FallbackConnectionFee decimal.Decimal

	DefaultCountryCode string
}

type DialerConfig struct {
	InterCallDelay time.Duration
	WrapUpDuration time.Duration
}

type AnalysisConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type DeadLetterConfig struct {
	SweepInterval time.Duration
	MaxAttempts   int
	BatchSize     int
}

type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		parseErrs = append(parseErrs, fmt.Errorf(".env: %w", err))
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_BASE_URL")), "/")
	c.App.CORSOrigins = splitList(os.Getenv("APP_CORS_ORIGINS"))
	{
		f, err := optionalFloat("APP_RATE_LIMIT_RPS", 20)
		parseErrs = appendErr(parseErrs, err)
		c.App.RateLimitRPS = f
		n, err := optionalInt("APP_RATE_LIMIT_BURST", 40)
		parseErrs = appendErr(parseErrs, err)
		c.App.RateLimitBurst = n
	}
	c.App.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))

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
	c.DB.AutoMigrate = optionalBool("DB_AUTO_MIGRATE", true)
	{
		n, err := optionalInt("DB_MAX_OPEN_CONNS", 25)
		parseErrs = appendErr(parseErrs, err)
		c.DB.MaxOpenConns = n
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIKey = strings.TrimSpace(os.Getenv("TWILIO_API_KEY"))
	c.Twilio.APISecret = os.Getenv("TWILIO_API_SECRET")
	c.Twilio.TwiMLAppSID = strings.TrimSpace(os.Getenv("TWILIO_TWIML_APP_SID"))
	c.Twilio.CallerID = strings.TrimSpace(os.Getenv("TWILIO_CALLER_ID"))
	c.Twilio.ValidateSignatures = optionalBool("TWILIO_VALIDATE_SIGNATURES", true)
	c.Twilio.DeviceTokenTTL = mustDuration("TWILIO_DEVICE_TOKEN_TTL")

	c.Telnyx.APIKey = os.Getenv("TELNYX_API_KEY")
	c.Telnyx.ConnectionID = strings.TrimSpace(os.Getenv("TELNYX_CONNECTION_ID"))
	c.Telnyx.BaseURL = strings.TrimSpace(os.Getenv("TELNYX_BASE_URL"))
	c.Telnyx.CallerID = strings.TrimSpace(os.Getenv("TELNYX_CALLER_ID"))
	c.Telnyx.WebhookPublicKey = strings.TrimSpace(os.Getenv("TELNYX_WEBHOOK_PUBLIC_KEY"))

	c.Calls.DefaultProvider = strings.ToLower(strings.TrimSpace(os.Getenv("CALLS_DEFAULT_PROVIDER")))
	{
		n, err := optionalInt("CALLS_MAX_CONCURRENT_PER_TENANT", 0)
		parseErrs = appendErr(parseErrs, err)
		c.Calls.MaxConcurrentPerTenant = n
	}
	c.Calls.IngressRetryWindow = mustDuration("CALLS_INGRESS_RETRY_WINDOW")

	{
		d, err := optionalDecimal("BILLING_FALLBACK_RATE", "0.15")
		parseErrs = appendErr(parseErrs, err)
		c.Billing.FallbackRatePerMinute = d
		n, err := optionalInt("BILLING_FALLBACK_INCREMENT", 6)
		parseErrs = appendErr(parseErrs, err)
		c.Billing.FallbackIncrement = n
		d, err = optionalDecimal("BILLING_FALLBACK_CONNECTION_FEE", "0")
		parseErrs = appendErr(parseErrs, err)
		c.Billing.FallbackConnectionFee = d
	}
	c.Billing.DefaultCountryCode = strings.TrimSpace(os.Getenv("BILLING_DEFAULT_COUNTRY_CODE"))

	c.Dialer.InterCallDelay = mustDuration("DIALER_INTER_CALL_DELAY")
	c.Dialer.WrapUpDuration = mustDuration("DIALER_WRAP_UP_DURATION")

	c.Analysis.URL = strings.TrimSpace(os.Getenv("ANALYSIS_URL"))
	c.Analysis.APIKey = os.Getenv("ANALYSIS_API_KEY")
	c.Analysis.Timeout = mustDuration("ANALYSIS_TIMEOUT")

	c.DeadLetter.SweepInterval = mustDuration("DLQ_SWEEP_INTERVAL")
	{
		n, err := optionalInt("DLQ_MAX_ATTEMPTS", 5)
		parseErrs = appendErr(parseErrs, err)
		c.DeadLetter.MaxAttempts = n
		n, err = optionalInt("DLQ_BATCH_SIZE", 20)
		parseErrs = appendErr(parseErrs, err)
		c.DeadLetter.BatchSize = n
	}

	c.OTEL.Enabled = optionalBool("OTEL_ENABLED", false)
	c.OTEL.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	c.OTEL.Insecure = optionalBool("OTEL_INSECURE", false)
	c.OTEL.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	{
		f, err := optionalFloat("OTEL_SAMPLE_RATIO", 1)
		parseErrs = appendErr(parseErrs, err)
		c.OTEL.SampleRatio = f
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
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
	if c.App.PublicBaseURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required in production"))
	}
	if c.App.RateLimitRPS <= 0 {
		c.App.RateLimitRPS = 20
	}
	if c.App.RateLimitBurst <= 0 {
		c.App.RateLimitBurst = 40
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
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
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

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Calls.DefaultProvider == "" {
		c.Calls.DefaultProvider = "twilio"
	}
	switch c.Calls.DefaultProvider {
	case "twilio":
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required when twilio is the default provider"))
		}
	case "telnyx":
		if c.Telnyx.APIKey == "" || c.Telnyx.ConnectionID == "" {
			errs = append(errs, errors.New("TELNYX_API_KEY and TELNYX_CONNECTION_ID are required when telnyx is the default provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("CALLS_DEFAULT_PROVIDER must be twilio or telnyx, got %q", c.Calls.DefaultProvider))
	}
	if c.Calls.MaxConcurrentPerTenant < 0 {
		errs = append(errs, errors.New("CALLS_MAX_CONCURRENT_PER_TENANT must be >= 0"))
	}
	if c.Calls.IngressRetryWindow <= 0 {
		c.Calls.IngressRetryWindow = 5 * time.Second
	}
	if c.Twilio.DeviceTokenTTL <= 0 {
		c.Twilio.DeviceTokenTTL = time.Hour
	}
	if c.Telnyx.BaseURL == "" {
		c.Telnyx.BaseURL = "https://api.telnyx.com/v2"
	}

	if c.Billing.FallbackRatePerMinute.IsNegative() || c.Billing.FallbackConnectionFee.IsNegative() {
		errs = append(errs, errors.New("BILLING_FALLBACK_RATE and BILLING_FALLBACK_CONNECTION_FEE must be >= 0"))
	}
	if c.Billing.FallbackIncrement <= 0 {
		c.Billing.FallbackIncrement = 6
	}
	if c.Billing.DefaultCountryCode == "" {
		c.Billing.DefaultCountryCode = "55"
	}
	c.Billing.DefaultCountryCode = strings.TrimPrefix(c.Billing.DefaultCountryCode, "+")

	if c.Dialer.InterCallDelay <= 0 {
		c.Dialer.InterCallDelay = 3 * time.Second
	}
	if c.Dialer.WrapUpDuration <= 0 {
		c.Dialer.WrapUpDuration = 15 * time.Second
	}

	if c.Analysis.Timeout <= 0 {
		c.Analysis.Timeout = 10 * time.Second
	}

	if c.DeadLetter.SweepInterval <= 0 {
		c.DeadLetter.SweepInterval = 30 * time.Second
	}
	if c.DeadLetter.MaxAttempts <= 0 {
		c.DeadLetter.MaxAttempts = 5
	}
	if c.DeadLetter.BatchSize <= 0 {
		c.DeadLetter.BatchSize = 20
	}

	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED=true"))
	}
	if c.OTEL.ServiceName == "" {
		c.OTEL.ServiceName = "voip-platform-api"
	}
	if c.OTEL.SampleRatio <= 0 || c.OTEL.SampleRatio > 1 {
		c.OTEL.SampleRatio = 1
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

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func optionalDecimal(key, def string) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal, got %q", key, v)
	}
	return d, nil
}

func optionalBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string) time.Duration {
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

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		errs = append(errs, err)
	}
	return errs
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
