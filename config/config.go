// Package config loads the worker configuration from a TOML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const DefaultFile = "commission-vm.toml"

type Config struct {
	Browser     BrowserConfig     `toml:"browser"`
	OTP         OTPConfig         `toml:"otp"`
	Store       StoreConfig       `toml:"store"`
	Redis       RedisConfig       `toml:"redis"`
	Blob        BlobConfig        `toml:"blob"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	Schedule    ScheduleConfig    `toml:"schedule"`
	Update      UpdateConfig      `toml:"update"`
	Credentials CredentialsConfig `toml:"credentials"`
	Sites       SitesConfig       `toml:"sites"`
}

type BrowserConfig struct {
	Headless    bool     `toml:"headless"`
	Debug       bool     `toml:"debug"`
	DownloadDir string   `toml:"download_dir"`
	UserAgent   string   `toml:"user_agent"`
	Locale      string   `toml:"locale"`
	NavTimeout  Duration `toml:"nav_timeout"`
}

type OTPConfig struct {
	Handle       bool     `toml:"handle"`
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
	KeyTTL       Duration `toml:"key_ttl"`
}

type StoreConfig struct {
	// Backend is "badger", "postgres" or "memory".
	Backend     string `toml:"backend"`
	BadgerPath  string `toml:"badger_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	MaxConns    int32  `toml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type BlobConfig struct {
	// Backend is "local" or "oss".
	Backend       string   `toml:"backend"`
	LocalDir      string   `toml:"local_dir"`
	PublicBaseURL string   `toml:"public_base_url"`
	Bucket        string   `toml:"bucket"`
	Region        string   `toml:"region"`
	Endpoint      string   `toml:"endpoint"`
	PublicHost    string   `toml:"public_endpoint"`
	Prefix        string   `toml:"prefix"`
	SignExpiry    Duration `toml:"sign_expiry"`
}

type ServerConfig struct {
	GRPCPort string `toml:"grpc_port"`
	HTTPPort string `toml:"http_port"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	// Format is "console", "json" or "" to pick by terminal.
	Format string `toml:"format"`
}

// ScheduleConfig drives serve-mode sweeps: each listed user's waiting queue is drained on Spec.
type ScheduleConfig struct {
	Spec  string   `toml:"spec"`
	Users []string `toml:"users"`
}

// UpdateConfig selects where releases are published. Provider is github, gitlab or gitea;
// BaseURL is only needed for self-hosted instances.
type UpdateConfig struct {
	Auto      bool     `toml:"auto"`
	Interval  Duration `toml:"interval"`
	Provider  string   `toml:"provider"`
	BaseURL   string   `toml:"base_url"`
	Owner     string   `toml:"owner"`
	Repo      string   `toml:"repo"`
	Token     string   `toml:"token"`
	Checksums string   `toml:"checksums"`
}

type CredentialsConfig struct {
	MappingFile string `toml:"mapping_file"`
}

type SitesConfig struct {
	OverridesFile string `toml:"overrides_file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:    true,
			DownloadDir: "./downloads",
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Locale:      "he-IL",
			NavTimeout:  Duration(60 * time.Second),
		},
		OTP: OTPConfig{
			Handle:       true,
			PollInterval: Duration(2 * time.Second),
			Timeout:      Duration(3 * time.Minute),
			KeyTTL:       Duration(10 * time.Minute),
		},
		Store: StoreConfig{
			Backend:    "badger",
			BadgerPath: "./data/jobs",
			MaxConns:   4,
		},
		Blob: BlobConfig{
			Backend:    "local",
			LocalDir:   "./reports",
			Prefix:     "",
			SignExpiry: Duration(7 * 24 * time.Hour),
		},
		Server: ServerConfig{
			GRPCPort: "50051",
			HTTPPort: "8090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Schedule: ScheduleConfig{
			Spec: "@every 5m",
		},
		Update: UpdateConfig{
			Interval:  Duration(time.Hour),
			Provider:  "github",
			Owner:     "commission-vm",
			Repo:      "commission-vm",
			Checksums: "checksums.txt",
		},
	}
}

// Load reads path (missing file is fine), then envFile, then environment overrides.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Browser.Headless = getEnvAsBool("CVM_HEADLESS", c.Browser.Headless)
	c.Browser.Debug = getEnvAsBool("CVM_DEBUG", c.Browser.Debug)
	c.Browser.DownloadDir = getEnv("CVM_DOWNLOAD_DIR", c.Browser.DownloadDir)

	c.OTP.Handle = getEnvAsBool("CVM_HANDLE_OTP", c.OTP.Handle)
	c.OTP.Timeout = getEnvAsDuration("CVM_OTP_TIMEOUT", c.OTP.Timeout)
	c.OTP.PollInterval = getEnvAsDuration("CVM_OTP_POLL_INTERVAL", c.OTP.PollInterval)

	c.Store.Backend = getEnv("CVM_STORE", c.Store.Backend)
	c.Store.BadgerPath = getEnv("CVM_BADGER_PATH", c.Store.BadgerPath)
	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		c.Store.PostgresDSN = dsn
		if os.Getenv("CVM_STORE") == "" {
			c.Store.Backend = "postgres"
		}
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	if bucket := getEnv("OSS_BUCKET", ""); bucket != "" {
		c.Blob.Backend = "oss"
		c.Blob.Bucket = bucket
	}
	c.Blob.Region = getEnv("OSS_REGION", c.Blob.Region)
	c.Blob.Endpoint = getEnv("OSS_ENDPOINT_INTERNAL", c.Blob.Endpoint)
	c.Blob.PublicHost = getEnv("OSS_ENDPOINT_PUBLIC", c.Blob.PublicHost)
	c.Blob.Prefix = getEnv("OSS_PREFIX", c.Blob.Prefix)
	c.Blob.PublicBaseURL = getEnv("CVM_BLOB_PUBLIC_URL", c.Blob.PublicBaseURL)

	c.Server.GRPCPort = getEnv("CVM_GRPC_PORT", c.Server.GRPCPort)
	c.Server.HTTPPort = getEnv("CVM_HTTP_PORT", c.Server.HTTPPort)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("CVM_LOG_FILE", c.Logging.File)

	c.Update.Auto = getEnvAsBool("CVM_AUTO_UPDATE", c.Update.Auto)
	c.Update.Token = getEnv("CVM_UPDATE_TOKEN", c.Update.Token)

	c.Credentials.MappingFile = getEnv("CVM_CREDENTIALS_MAPPING", c.Credentials.MappingFile)
	c.Sites.OverridesFile = getEnv("CVM_SITES_OVERRIDES", c.Sites.OverridesFile)
}

// Validate checks the backend selectors and the combinations they require.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "badger":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.backend=postgres requires store.postgres_dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Blob.Backend {
	case "local":
	case "oss":
		if c.Blob.Bucket == "" || (c.Blob.Endpoint == "" && c.Blob.PublicHost == "") {
			return errors.New("blob.backend=oss requires bucket and an endpoint")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}

	switch c.Update.Provider {
	case "github", "gitlab", "gitea":
	default:
		return fmt.Errorf("unknown update provider %q", c.Update.Provider)
	}

	if c.OTP.PollInterval.Std() <= 0 || c.OTP.Timeout.Std() <= 0 {
		return errors.New("otp.poll_interval and otp.timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue Duration) Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return Duration(value)
	}
	return defaultValue
}
