package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "voip"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Twilio: TwilioConfig{AccountSID: "AC123", AuthToken: "tok"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.App.PublicBaseURL = "https://api.example.com"
	c.Auth.JWTIssuer = "idp"
	c.Auth.JWTAudience = "voip"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.DefaultProvider != "twilio" {
		t.Fatalf("expected twilio default provider, got %q", c.Calls.DefaultProvider)
	}
	if c.Dialer.InterCallDelay != 3*time.Second || c.Dialer.WrapUpDuration != 15*time.Second {
		t.Fatalf("unexpected dialer defaults: %+v", c.Dialer)
	}
	if c.Billing.FallbackIncrement != 6 || c.Billing.DefaultCountryCode != "55" {
		t.Fatalf("unexpected billing defaults: %+v", c.Billing)
	}
	if c.DeadLetter.MaxAttempts != 5 {
		t.Fatalf("expected 5 dlq attempts, got %d", c.DeadLetter.MaxAttempts)
	}
}

func TestValidate_TelnyxRequiresCredentials(t *testing.T) {
	c := validLocal()
	c.Calls.DefaultProvider = "telnyx"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "TELNYX_API_KEY") {
		t.Fatalf("expected telnyx credentials error, got %v", err)
	}

	c.Telnyx = TelnyxConfig{APIKey: "key", ConnectionID: "conn"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Telnyx.BaseURL != "https://api.telnyx.com/v2" {
		t.Fatalf("expected default telnyx base url, got %q", c.Telnyx.BaseURL)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	c := validLocal()
	c.Calls.DefaultProvider = "vonage"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://voip.example.com/")
	t.Setenv("APP_CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "voip")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "t")
	t.Setenv("BILLING_FALLBACK_RATE", "0.20")
	t.Setenv("CALLS_MAX_CONCURRENT_PER_TENANT", "4")
	t.Setenv("DIALER_WRAP_UP_DURATION", "20s")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
	if c.App.PublicBaseURL != "https://voip.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.App.PublicBaseURL)
	}
	if len(c.App.CORSOrigins) != 2 {
		t.Fatalf("expected 2 cors origins, got %v", c.App.CORSOrigins)
	}
	if c.Billing.FallbackRatePerMinute.String() != "0.2" {
		t.Fatalf("unexpected fallback rate %s", c.Billing.FallbackRatePerMinute)
	}
	if c.Calls.MaxConcurrentPerTenant != 4 {
		t.Fatalf("unexpected cap %d", c.Calls.MaxConcurrentPerTenant)
	}
	if c.Dialer.WrapUpDuration != 20*time.Second {
		t.Fatalf("unexpected wrap-up %s", c.Dialer.WrapUpDuration)
	}
	if c.RedisAddr() != "redis:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestLoad_BadInteger(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "abc")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "APP_PORT") {
		t.Fatalf("expected APP_PORT parse error, got %v", err)
	}
}
