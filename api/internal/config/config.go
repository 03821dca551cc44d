package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Upload struct {
	Dir              string   `mapstructure:"dir"`
	MaxFileSize      int64    `mapstructure:"max_file_size"`
	AllowedMimeTypes []string `mapstructure:"allowed_mime_types"`
}

type OCR struct {
	Provider string        `mapstructure:"provider"` // default engine: baidu | gemini
	Timeout  time.Duration `mapstructure:"timeout"`
	Workers  int           `mapstructure:"workers"` // concurrent image transcodes, 0 = NumCPU
}

type Baidu struct {
	AppID     string `mapstructure:"app_id"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

type Gemini struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type Database struct {
	Driver string `mapstructure:"driver"` // pgx | mysql
	DSN    string `mapstructure:"dsn"`
}

type Telegram struct {
	Token      string `mapstructure:"token"`
	WebhookURL string `mapstructure:"webhook_url"`
}

type Config struct {
	Port     string   `mapstructure:"port"`
	LogLevel string   `mapstructure:"log_level"`
	Upload   Upload   `mapstructure:"upload"`
	OCR      OCR      `mapstructure:"ocr"`
	Baidu    Baidu    `mapstructure:"baidu"`
	Gemini   Gemini   `mapstructure:"gemini"`
	Database Database `mapstructure:"database"`
	Telegram Telegram `mapstructure:"telegram"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "3000")
	v.SetDefault("log_level", "info")

	v.SetDefault("upload.dir", "./uploads")
	v.SetDefault("upload.max_file_size", 5*1024*1024)
	v.SetDefault("upload.allowed_mime_types", []string{"image/jpeg", "image/png", "image/jpg"})

	v.SetDefault("ocr.provider", "baidu")
	v.SetDefault("ocr.timeout", 10*time.Second)
	v.SetDefault("ocr.workers", 0)

	// empty defaults make the keys visible to AutomaticEnv during Unmarshal
	v.SetDefault("baidu.app_id", "")
	v.SetDefault("baidu.api_key", "")
	v.SetDefault("baidu.secret_key", "")
	v.SetDefault("baidu.base_url", "https://aip.baidubce.com")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.0-flash")

	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.dsn", "")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.webhook_url", "")
}

// Load reads config.yaml from the given directories (default "." and "./config")
// and lets environment variables override any key: ocr.timeout -> OCR_TIMEOUT.
// A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// platform conventions
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	cfg.OCR.Provider = strings.ToLower(strings.TrimSpace(cfg.OCR.Provider))
	return &cfg, nil
}

// Validate checks that the default engine has credentials.
func (c *Config) Validate() error {
	switch c.OCR.Provider {
	case "baidu":
		if c.Baidu.APIKey == "" || c.Baidu.SecretKey == "" {
			return errors.New("baidu credentials are empty: set BAIDU_API_KEY and BAIDU_SECRET_KEY")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return errors.New("gemini credentials are empty: set GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown ocr.provider %q", c.OCR.Provider)
	}
	if c.OCR.Timeout <= 0 {
		return errors.New("ocr.timeout must be positive")
	}
	if c.Upload.MaxFileSize <= 0 {
		return errors.New("upload.max_file_size must be positive")
	}
	return nil
}

// BaiduConfigured reports whether the Baidu engine can be built.
func (c *Config) BaiduConfigured() bool {
	return c.Baidu.APIKey != "" && c.Baidu.SecretKey != ""
}

func (c *Config) GeminiConfigured() bool { return c.Gemini.APIKey != "" }
