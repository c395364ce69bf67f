package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Retrieval   RetrievalConfig           `json:"retrieval"`
	Generation  GenerationConfig          `json:"generation"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`
	MaxUploadMB   int    `json:"max_upload_mb"`
	MaxSessions   int    `json:"max_sessions"`
	Debug         bool   `json:"debug"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RetrievalConfig points at the document extraction / vector index service.
type RetrievalConfig struct {
	BaseURL string `json:"base_url"`
	// ProcessTimeout bounds extraction and chunking calls, in seconds.
	ProcessTimeout int `json:"process_timeout"`
	// RequestTimeout bounds every other call, in seconds.
	RequestTimeout int `json:"request_timeout"`
	TopK           int `json:"top_k"`
}

// GenerationConfig selects the streaming text generation backend.
type GenerationConfig struct {
	Provider     string  `json:"provider"`
	BaseURL      string  `json:"base_url"`
	StreamPath   string  `json:"stream_path"`
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Timeout      int     `json:"timeout"`
	TitleTimeout int     `json:"title_timeout"`
}

const (
	DefaultServerAddress   = ":8090"
	DefaultFileBaseDir     = "./data/uploads"
	DefaultMaxUploadMB     = 50
	DefaultMaxSessions     = 50
	DefaultRetrievalURL    = "http://127.0.0.1:8001"
	DefaultProcessTimeout  = 1800
	DefaultRequestTimeout  = 30
	DefaultTopK            = 5
	DefaultGenerationURL   = "http://127.0.0.1:8000"
	DefaultStreamPath      = "/chat/regular/stream"
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 4096
	DefaultGenerateTimeout = 300
	DefaultTitleTimeout    = 20
)

// Load reads configuration from the provided path (defaults to config.json).
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("RAGDESK_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = DefaultFileBaseDir
	}
	if b.MaxUploadMB <= 0 {
		b.MaxUploadMB = DefaultMaxUploadMB
	}
	if b.MaxSessions <= 0 {
		b.MaxSessions = DefaultMaxSessions
	}

	r := &c.Retrieval
	if r.BaseURL == "" {
		r.BaseURL = DefaultRetrievalURL
	}
	r.BaseURL = strings.TrimRight(r.BaseURL, "/")
	if r.ProcessTimeout <= 0 {
		r.ProcessTimeout = DefaultProcessTimeout
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = DefaultRequestTimeout
	}
	if r.TopK <= 0 {
		r.TopK = DefaultTopK
	}

	g := &c.Generation
	if g.Provider == "" {
		g.Provider = "ndjson"
	}
	g.Provider = strings.ToLower(strings.TrimSpace(g.Provider))
	if g.BaseURL == "" && g.Provider == "ndjson" {
		g.BaseURL = DefaultGenerationURL
	}
	g.BaseURL = strings.TrimRight(g.BaseURL, "/")
	if g.StreamPath == "" {
		g.StreamPath = DefaultStreamPath
	}
	if g.Temperature == 0 {
		g.Temperature = DefaultTemperature
	}
	if g.MaxTokens <= 0 {
		g.MaxTokens = DefaultMaxTokens
	}
	if g.Timeout <= 0 {
		g.Timeout = DefaultGenerateTimeout
	}
	if g.TitleTimeout <= 0 {
		g.TitleTimeout = DefaultTitleTimeout
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "./data/ragdesk.db"}
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
}

func (c *Config) applyEnv() {
	if key := os.Getenv("RAGDESK_GENERATION_API_KEY"); key != "" {
		c.Generation.APIKey = key
	}
	if os.Getenv("RAGDESK_DEBUG") == "1" {
		c.BasicConfig.Debug = true
	}
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.BasicConfig.FileBaseDir) {
		c.BasicConfig.FileBaseDir = filepath.Join(base, c.BasicConfig.FileBaseDir)
	}
	for name, db := range c.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(base, db.DSN)
			c.Databases[name] = db
		}
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	switch c.Generation.Provider {
	case "ndjson":
		if c.Generation.BaseURL == "" {
			return fmt.Errorf("generation base_url must be configured")
		}
	case "openai", "claude", "gemini":
	default:
		return fmt.Errorf("unsupported generation provider: %s", c.Generation.Provider)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation temperature must be within [0, 2]")
	}
	return nil
}

// DatabaseDriver returns the driver selected through RAGDESK_DB.
func DatabaseDriver() string {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("RAGDESK_DB")))
	if driver == "" {
		return "sqlite3"
	}
	return driver
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}
