package portal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the client needs at construction. Durations accept
// Go duration strings ("30s") in YAML and in the environment.
type Config struct {
	BaseURL      string        `yaml:"base_url" env:"PORTAL_BASE_URL"`
	APIKey       string        `yaml:"api_key" env:"PORTAL_API_KEY"`
	BearerToken  string        `yaml:"bearer_token" env:"PORTAL_BEARER_TOKEN"`
	RefreshToken string        `yaml:"refresh_token" env:"PORTAL_REFRESH_TOKEN"`
	Timeout      time.Duration `yaml:"timeout" env:"PORTAL_TIMEOUT"`
	UserAgent    string        `yaml:"user_agent" env:"PORTAL_USER_AGENT"`
	GraphQLPath  string        `yaml:"graphql_path" env:"PORTAL_GRAPHQL_PATH"`
	EnableHTTP2  bool          `yaml:"enable_http2" env:"PORTAL_ENABLE_HTTP2"`
	// MaxResponseBody bounds HTTP response bodies in bytes. Larger bodies
	// fail the call with a TransportError.
	MaxResponseBody int64 `yaml:"max_response_body" env:"PORTAL_MAX_RESPONSE_BODY"`
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"PORTAL_INSECURE_SKIP_VERIFY"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	WebSocket      WebSocketConfig      `yaml:"websocket"`
	Auth           AuthConfig           `yaml:"auth"`
}

// RetryConfig configures the retry policy. MaxAttempts counts every attempt,
// including the first.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"PORTAL_RETRY_MAX_ATTEMPTS"`
	BaseDelay      time.Duration `yaml:"base_delay" env:"PORTAL_RETRY_BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"PORTAL_RETRY_MAX_DELAY"`
	Multiplier     float64       `yaml:"multiplier" env:"PORTAL_RETRY_MULTIPLIER"`
	JitterFraction float64       `yaml:"jitter_fraction" env:"PORTAL_RETRY_JITTER"`
}

// CircuitBreakerConfig configures the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"PORTAL_CB_FAILURE_THRESHOLD"`
	OpenDuration     time.Duration `yaml:"open_duration" env:"PORTAL_CB_OPEN_DURATION"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" env:"PORTAL_CB_PROBE_TIMEOUT"`
}

// RateLimitConfig configures fixed-window admission. Quota 0 disables it.
type RateLimitConfig struct {
	Quota   int           `yaml:"quota" env:"PORTAL_RATE_LIMIT_QUOTA"`
	Window  time.Duration `yaml:"window" env:"PORTAL_RATE_LIMIT_WINDOW"`
	MaxWait time.Duration `yaml:"max_wait" env:"PORTAL_RATE_LIMIT_MAX_WAIT"`
}

// WebSocketConfig configures the subscription channel. An empty URL is
// derived from BaseURL (http→ws, https→wss, path GraphQLPath).
type WebSocketConfig struct {
	URL                  string        `yaml:"url" env:"PORTAL_WS_URL"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" env:"PORTAL_WS_RECONNECT_INTERVAL"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval" env:"PORTAL_WS_MAX_RECONNECT_INTERVAL"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"PORTAL_WS_MAX_RECONNECT_ATTEMPTS"`
	AckTimeout           time.Duration `yaml:"ack_timeout" env:"PORTAL_WS_ACK_TIMEOUT"`
	WriteTimeout         time.Duration `yaml:"write_timeout" env:"PORTAL_WS_WRITE_TIMEOUT"`
	ReadLimit            int64         `yaml:"read_limit" env:"PORTAL_WS_READ_LIMIT"`
}

// AuthConfig configures refresh behaviour.
type AuthConfig struct {
	RefreshPath    string        `yaml:"refresh_path" env:"PORTAL_AUTH_REFRESH_PATH"`
	ExpirySkew     time.Duration `yaml:"expiry_skew" env:"PORTAL_AUTH_EXPIRY_SKEW"`
	AutoRefresh    bool          `yaml:"auto_refresh" env:"PORTAL_AUTH_AUTO_REFRESH"`
	RefreshLead    time.Duration `yaml:"refresh_lead" env:"PORTAL_AUTH_REFRESH_LEAD"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"PORTAL_AUTH_REFRESH_TIMEOUT"`
}

// DefaultConfig returns a Config with every field except BaseURL set.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		UserAgent:   "portal-go/" + Version,
		GraphQLPath: "/api/graphql",

		MaxResponseBody: 32 << 20,

		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     60 * time.Second,
			ProbeTimeout:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window: time.Second,
		},
		WebSocket: WebSocketConfig{
			ReconnectInterval:    time.Second,
			MaxReconnectInterval: 30 * time.Second,
			MaxReconnectAttempts: 10,
			AckTimeout:           10 * time.Second,
			WriteTimeout:         10 * time.Second,
			ReadLimit:            1 << 20,
		},
		Auth: AuthConfig{
			RefreshPath:    "/api/auth/refresh",
			ExpirySkew:     time.Minute,
			AutoRefresh:    true,
			RefreshLead:    5 * time.Minute,
			RefreshTimeout: 30 * time.Second,
		},
	}
}

// Validate reports every problem at once as a ValidationError.
func (c Config) Validate() error {
	var problems []string

	if c.BaseURL == "" {
		problems = append(problems, "base URL is required")
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("base URL %q is not an absolute URL", c.BaseURL))
	}
	if c.APIKey != "" && c.BearerToken != "" {
		problems = append(problems, "only one of API key and bearer token may be set")
	}
	if c.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if c.MaxResponseBody < 0 {
		problems = append(problems, "max response body must not be negative")
	}

	problems = append(problems, validateRetryConfig(c.Retry)...)
	problems = append(problems, validateCircuitBreakerConfig(c.CircuitBreaker)...)
	problems = append(problems, validateRateLimitConfig(c.RateLimit)...)
	problems = append(problems, validateWebSocketConfig(c.WebSocket)...)

	if len(problems) > 0 {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   strings.Join(problems, "; "),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func validateRetryConfig(r RetryConfig) []string {
	var problems []string
	if r.MaxAttempts < 1 {
		problems = append(problems, "retry max attempts must be at least 1")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		problems = append(problems, "retry delays must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		problems = append(problems, "retry base delay must not exceed max delay")
	}
	if r.Multiplier < 1 {
		problems = append(problems, "retry multiplier must be at least 1")
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		problems = append(problems, "retry jitter fraction must be between 0 and 1")
	}
	return problems
}

func validateCircuitBreakerConfig(cb CircuitBreakerConfig) []string {
	var problems []string
	if cb.FailureThreshold < 1 {
		problems = append(problems, "circuit breaker failure threshold must be at least 1")
	}
	if cb.OpenDuration <= 0 {
		problems = append(problems, "circuit breaker open duration must be positive")
	}
	if cb.ProbeTimeout < 0 {
		problems = append(problems, "circuit breaker probe timeout must not be negative")
	}
	return problems
}

func validateRateLimitConfig(rl RateLimitConfig) []string {
	var problems []string
	if rl.Quota < 0 {
		problems = append(problems, "rate limit quota must not be negative")
	}
	if rl.Quota > 0 && rl.Window <= 0 {
		problems = append(problems, "rate limit window must be positive when a quota is set")
	}
	if rl.MaxWait < 0 {
		problems = append(problems, "rate limit max wait must not be negative")
	}
	return problems
}

func validateWebSocketConfig(ws WebSocketConfig) []string {
	var problems []string
	if ws.URL != "" {
		if u, err := url.Parse(ws.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			problems = append(problems, fmt.Sprintf("websocket URL %q must use ws or wss", ws.URL))
		}
	}
	if ws.ReconnectInterval < 0 || ws.MaxReconnectInterval < 0 {
		problems = append(problems, "websocket reconnect intervals must not be negative")
	}
	if ws.MaxReconnectAttempts < 0 {
		problems = append(problems, "websocket max reconnect attempts must not be negative")
	}
	return problems
}

// webSocketURL returns the configured channel URL or derives it from BaseURL.
func (c Config) webSocketURL() (string, error) {
	if c.WebSocket.URL != "" {
		return c.WebSocket.URL, nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.GraphQLPath
	return u.String(), nil
}

// LoadConfigFile overlays the YAML file at path on DefaultConfig. Read and
// parse failures are ValidationErrors.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, newError(ErrorTypeValidation, "failed to read config", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, newError(ErrorTypeValidation, "failed to parse config", err)
	}
	return cfg, nil
}

// LoadConfigFromEnv overlays PORTAL_* environment variables on DefaultConfig.
// envFiles are loaded first with godotenv; variables already present in the
// environment win. Missing env files are ignored.
func LoadConfigFromEnv(envFiles ...string) (Config, error) {
	cfg := DefaultConfig()
	if err := overlayEnv(&cfg, envFiles...); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config, envFiles ...string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return newError(ErrorTypeValidation, "failed to load "+f, err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return newError(ErrorTypeValidation, "failed to decode environment", err)
	}
	return nil
}

// LoadConfig reads path (if non-empty) and then applies the environment,
// so PORTAL_* variables override the file.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if err := overlayEnv(&cfg, envFiles...); err != nil {
		return cfg, err
	}
	return cfg, nil
}
