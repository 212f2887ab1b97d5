// Package config loads platform configuration from the environment. A .env
// file in the working directory (preferred) or the project root seeds the
// process environment via godotenv; everything downstream reads typed values
// from Settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Engine identifies one of the three research engines.
type Engine string

const (
	EngineInsight Engine = "insight"
	EngineMedia   Engine = "media"
	EngineQuery   Engine = "query"
)

// Engines lists all engines in canonical order.
var Engines = []Engine{EngineInsight, EngineMedia, EngineQuery}

// Role selects an LLM endpoint configuration.
type Role string

const (
	RoleInsightEngine    Role = "INSIGHT_ENGINE"
	RoleMediaEngine      Role = "MEDIA_ENGINE"
	RoleQueryEngine      Role = "QUERY_ENGINE"
	RoleReportEngine     Role = "REPORT_ENGINE"
	RoleForumHost        Role = "FORUM_HOST"
	RoleKeywordOptimizer Role = "KEYWORD_OPTIMIZER"
)

// EngineRole maps an engine to its LLM role.
func EngineRole(e Engine) Role {
	switch e {
	case EngineInsight:
		return RoleInsightEngine
	case EngineMedia:
		return RoleMediaEngine
	default:
		return RoleQueryEngine
	}
}

// LLMEndpoint holds per-role completion endpoint settings.
type LLMEndpoint struct {
	APIKey  string
	BaseURL string
	Model   string
}

// EnginePorts holds the loopback ports of one engine worker.
type EnginePorts struct {
	HTTP int // worker API + health
}

// Settings is the typed view of the configuration store.
type Settings struct {
	Host string
	Port int

	// Research state machine bounds.
	MaxReflections   int
	MaxParagraphs    int
	SearchTimeout    time.Duration
	MaxContentLength int

	// Search backends.
	TavilyAPIKey       string
	BochaAPIKey        string
	BochaBaseURL       string
	DefaultSearchLimit int

	// Sentiment classifier endpoint; empty disables classification.
	SentimentBaseURL string

	LogDir      string
	ReportDir   map[Engine]string // per-engine .md output directories
	OutputDir   string            // final_reports
	TemplateDir string

	Ports map[Engine]EnginePorts

	llm map[Role]LLMEndpoint
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

// LoadDotenv loads the .env file into the process environment. The working
// directory wins over the project root; a missing file is not an error.
func LoadDotenv() {
	for _, candidate := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(candidate); err == nil {
			if err := godotenv.Load(candidate); err != nil {
				slog.Warn("Could not load .env file, continuing with existing environment",
					"path", candidate, "error", err)
			} else {
				slog.Info("Loaded environment", "path", candidate)
			}
			return
		}
	}
}

// Load builds Settings from the current environment.
func Load() *Settings {
	s := &Settings{
		Host: getEnv("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 5000),

		MaxReflections:   getEnvInt("MAX_REFLECTIONS", 2),
		MaxParagraphs:    getEnvInt("MAX_PARAGRAPHS", 5),
		SearchTimeout:    time.Duration(getEnvInt("SEARCH_TIMEOUT", 240)) * time.Second,
		MaxContentLength: getEnvInt("MAX_CONTENT_LENGTH", 20000),

		TavilyAPIKey:       os.Getenv("TAVILY_API_KEY"),
		BochaAPIKey:        os.Getenv("BOCHA_WEB_SEARCH_API_KEY"),
		BochaBaseURL:       getEnv("BOCHA_BASE_URL", "https://api.bochaai.com/v1"),
		DefaultSearchLimit: getEnvInt("DEFAULT_SEARCH_RESULT_LIMIT", 10),

		SentimentBaseURL: os.Getenv("SENTIMENT_BASE_URL"),

		LogDir:      getEnv("LOG_DIR", "logs"),
		OutputDir:   getEnv("OUTPUT_DIR", "final_reports"),
		TemplateDir: getEnv("TEMPLATE_DIR", "templates"),
		ReportDir: map[Engine]string{
			EngineInsight: getEnv("INSIGHT_REPORT_DIR", "insight_engine_streamlit_reports"),
			EngineMedia:   getEnv("MEDIA_REPORT_DIR", "media_engine_streamlit_reports"),
			EngineQuery:   getEnv("QUERY_REPORT_DIR", "query_engine_streamlit_reports"),
		},
		Ports: map[Engine]EnginePorts{
			EngineInsight: {HTTP: getEnvInt("INSIGHT_ENGINE_PORT", 8601)},
			EngineMedia:   {HTTP: getEnvInt("MEDIA_ENGINE_PORT", 8602)},
			EngineQuery:   {HTTP: getEnvInt("QUERY_ENGINE_PORT", 8603)},
		},
		llm: make(map[Role]LLMEndpoint),
	}

	for _, role := range []Role{RoleInsightEngine, RoleMediaEngine, RoleQueryEngine, RoleReportEngine, RoleForumHost, RoleKeywordOptimizer} {
		s.llm[role] = LLMEndpoint{
			APIKey:  os.Getenv(string(role) + "_API_KEY"),
			BaseURL: getEnv(string(role)+"_BASE_URL", "https://api.siliconflow.cn/v1"),
			Model:   os.Getenv(string(role) + "_MODEL_NAME"),
		}
	}

	return s
}

// LLM returns the endpoint configuration for role.
func (s *Settings) LLM(role Role) (LLMEndpoint, error) {
	ep, ok := s.llm[role]
	if !ok {
		return LLMEndpoint{}, fmt.Errorf("unknown LLM role %q", role)
	}
	if ep.APIKey == "" {
		return ep, fmt.Errorf("missing %s_API_KEY in configuration", role)
	}
	return ep, nil
}

// ForumLogPath returns the path of the shared forum transcript.
func (s *Settings) ForumLogPath() string {
	return filepath.Join(s.LogDir, "forum.log")
}

// EngineLogPath returns the append-only log path of one engine.
func (s *Settings) EngineLogPath(e Engine) string {
	return filepath.Join(s.LogDir, string(e)+".log")
}

// BaselinePath returns the readiness-gate baseline file path.
func (s *Settings) BaselinePath() string {
	return filepath.Join(s.LogDir, "report_baseline.json")
}
