package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultListenPort         = 8090
	DefaultNeo4jURI           = "bolt://localhost:7687"
	DefaultNeo4jUser          = "neo4j"
	DefaultEmbeddingBaseURL   = "http://localhost:11434/v1"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingDims      = 1536
	DefaultLLMModel           = "gpt-4o-mini"
	DefaultRetrievalDepth     = 5
	DefaultEmbedCacheTTLHours = 720
)

// Config holds the application configuration.
type Config struct {
	ListenPort int

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	LinksDBPath string

	EmbeddingBaseURL   string
	EmbeddingModel     string
	EmbeddingDims      int
	EmbedCacheTTLHours int

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	RetrievalDepth int

	LogLevel string
	LogFile  string

	DataDir    string
	ConfigPath string
}

type fileConfig struct {
	Server struct {
		Port int `toml:"port"`
	} `toml:"server"`
	Neo4j struct {
		URI      string `toml:"uri"`
		User     string `toml:"user"`
		Password string `toml:"password"`
	} `toml:"neo4j"`
	Links struct {
		DBPath string `toml:"db_path"`
	} `toml:"links"`
	Embedding struct {
		BaseURL       string `toml:"base_url"`
		Model         string `toml:"model"`
		Dimensions    int    `toml:"dimensions"`
		CacheTTLHours int    `toml:"cache_ttl_hours"`
	} `toml:"embedding"`
	LLM struct {
		BaseURL string `toml:"base_url"`
		APIKey  string `toml:"api_key"`
		Model   string `toml:"model"`
	} `toml:"llm"`
	Retrieval struct {
		Depth int `toml:"depth"`
	} `toml:"retrieval"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
}

// LoadConfig loads configuration from file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	dataDir := os.Getenv("ENGRAM_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".engram")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	configPath := filepath.Join(dataDir, "config.toml")

	cfg := &Config{
		ListenPort:         DefaultListenPort,
		Neo4jURI:           DefaultNeo4jURI,
		Neo4jUser:          DefaultNeo4jUser,
		LinksDBPath:        filepath.Join(dataDir, "links.sqlite3"),
		EmbeddingBaseURL:   DefaultEmbeddingBaseURL,
		EmbeddingModel:     DefaultEmbeddingModel,
		EmbeddingDims:      DefaultEmbeddingDims,
		EmbedCacheTTLHours: DefaultEmbedCacheTTLHours,
		LLMBaseURL:         DefaultEmbeddingBaseURL,
		LLMModel:           DefaultLLMModel,
		RetrievalDepth:     DefaultRetrievalDepth,
		LogLevel:           "info",
		LogFile:            filepath.Join(dataDir, "logs", "engram.log"),
		DataDir:            dataDir,
		ConfigPath:         configPath,
	}

	if _, err := os.Stat(configPath); err == nil {
		fileData, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		var parsed fileConfig
		if err := toml.Unmarshal(fileData, &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}

		if parsed.Server.Port != 0 {
			cfg.ListenPort = parsed.Server.Port
		}
		if parsed.Neo4j.URI != "" {
			cfg.Neo4jURI = parsed.Neo4j.URI
		}
		if parsed.Neo4j.User != "" {
			cfg.Neo4jUser = parsed.Neo4j.User
		}
		if parsed.Neo4j.Password != "" {
			cfg.Neo4jPassword = parsed.Neo4j.Password
		}
		if parsed.Links.DBPath != "" {
			cfg.LinksDBPath = parsed.Links.DBPath
		}
		if parsed.Embedding.BaseURL != "" {
			cfg.EmbeddingBaseURL = parsed.Embedding.BaseURL
		}
		if parsed.Embedding.Model != "" {
			cfg.EmbeddingModel = parsed.Embedding.Model
		}
		if parsed.Embedding.Dimensions != 0 {
			cfg.EmbeddingDims = parsed.Embedding.Dimensions
		}
		if parsed.Embedding.CacheTTLHours != 0 {
			cfg.EmbedCacheTTLHours = parsed.Embedding.CacheTTLHours
		}
		if parsed.LLM.BaseURL != "" {
			cfg.LLMBaseURL = parsed.LLM.BaseURL
		}
		if parsed.LLM.APIKey != "" {
			cfg.LLMAPIKey = parsed.LLM.APIKey
		}
		if parsed.LLM.Model != "" {
			cfg.LLMModel = parsed.LLM.Model
		}
		if parsed.Retrieval.Depth != 0 {
			cfg.RetrievalDepth = parsed.Retrieval.Depth
		}
		if parsed.Logging.Level != "" {
			cfg.LogLevel = parsed.Logging.Level
		}
		if parsed.Logging.File != "" {
			cfg.LogFile = parsed.Logging.File
			if !filepath.IsAbs(cfg.LogFile) {
				cfg.LogFile = filepath.Join(dataDir, cfg.LogFile)
			}
		}
	}

	// Environment variable overrides
	if port := os.Getenv("ENGRAM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.ListenPort = p
		}
	}
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Neo4jURI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		cfg.Neo4jUser = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		cfg.Neo4jPassword = pass
	}
	if path := os.Getenv("ENGRAM_LINKS_DB"); path != "" {
		cfg.LinksDBPath = path
	}
	if baseURL := os.Getenv("ENGRAM_EMBEDDING_BASE_URL"); baseURL != "" {
		cfg.EmbeddingBaseURL = baseURL
	}
	if model := os.Getenv("ENGRAM_EMBEDDING_MODEL"); model != "" {
		cfg.EmbeddingModel = model
	}
	if dims := os.Getenv("ENGRAM_EMBEDDING_DIMS"); dims != "" {
		if d, err := strconv.Atoi(dims); err == nil {
			cfg.EmbeddingDims = d
		}
	}
	if baseURL := os.Getenv("ENGRAM_LLM_BASE_URL"); baseURL != "" {
		cfg.LLMBaseURL = baseURL
	}
	if apiKey := os.Getenv("ENGRAM_LLM_API_KEY"); apiKey != "" {
		cfg.LLMAPIKey = apiKey
	}
	if model := os.Getenv("ENGRAM_LLM_MODEL"); model != "" {
		cfg.LLMModel = model
	}
	if depth := os.Getenv("ENGRAM_RETRIEVAL_DEPTH"); depth != "" {
		if d, err := strconv.Atoi(depth); err == nil {
			cfg.RetrievalDepth = d
		}
	}
	if level := os.Getenv("ENGRAM_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if logFile := os.Getenv("ENGRAM_LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	cfg.EmbeddingBaseURL = normalizeBaseURL(cfg.EmbeddingBaseURL)
	cfg.LLMBaseURL = normalizeBaseURL(cfg.LLMBaseURL)

	return cfg, nil
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port out of range: %d", c.ListenPort)
	}
	if strings.TrimSpace(c.Neo4jURI) == "" {
		return fmt.Errorf("neo4j URI is empty")
	}
	if strings.TrimSpace(c.LinksDBPath) == "" {
		return fmt.Errorf("links database path is empty")
	}
	if c.EmbeddingDims <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.RetrievalDepth <= 0 {
		return fmt.Errorf("retrieval depth must be positive")
	}
	if c.EmbedCacheTTLHours < 0 {
		return fmt.Errorf("embedding cache TTL cannot be negative")
	}
	return nil
}
