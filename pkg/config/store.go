package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StoreKeys is the closed set of keys the configuration HTTP surface may read
// or write. Unknown keys in update requests are silently dropped.
var StoreKeys = []string{
	"HOST",
	"PORT",
	"DB_DIALECT",
	"DB_HOST",
	"DB_PORT",
	"DB_USER",
	"DB_PASSWORD",
	"DB_NAME",
	"DB_CHARSET",
	"INSIGHT_ENGINE_API_KEY",
	"INSIGHT_ENGINE_BASE_URL",
	"INSIGHT_ENGINE_MODEL_NAME",
	"MEDIA_ENGINE_API_KEY",
	"MEDIA_ENGINE_BASE_URL",
	"MEDIA_ENGINE_MODEL_NAME",
	"QUERY_ENGINE_API_KEY",
	"QUERY_ENGINE_BASE_URL",
	"QUERY_ENGINE_MODEL_NAME",
	"REPORT_ENGINE_API_KEY",
	"REPORT_ENGINE_BASE_URL",
	"REPORT_ENGINE_MODEL_NAME",
	"FORUM_HOST_API_KEY",
	"FORUM_HOST_BASE_URL",
	"FORUM_HOST_MODEL_NAME",
	"KEYWORD_OPTIMIZER_API_KEY",
	"KEYWORD_OPTIMIZER_BASE_URL",
	"KEYWORD_OPTIMIZER_MODEL_NAME",
	"MINDSPIDER_API_KEY",
	"MINDSPIDER_BASE_URL",
	"MINDSPIDER_MODEL_NAME",
	"TAVILY_API_KEY",
	"BOCHA_WEB_SEARCH_API_KEY",
	"BOCHA_BASE_URL",
}

// Store reads and writes the .env-style configuration file. Updates preserve
// comments, blank lines and unrelated keys; writes rewrite the whole file.
type Store struct {
	mu   sync.Mutex
	path string
	keys map[string]struct{}
}

// NewStore creates a store over path. If path is empty, ".env" in the current
// working directory is used.
func NewStore(path string) *Store {
	if path == "" {
		path = ".env"
	}
	keys := make(map[string]struct{}, len(StoreKeys))
	for _, k := range StoreKeys {
		keys[k] = struct{}{}
	}
	return &Store{path: path, keys: keys}
}

// Read returns the current values of all recognized keys. Keys absent from
// both the file and the environment come back as empty strings.
func (s *Store) Read() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileValues := s.readFile()
	values := make(map[string]string, len(StoreKeys))
	for _, key := range StoreKeys {
		if v, ok := fileValues[key]; ok {
			values[key] = v
		} else {
			values[key] = os.Getenv(key)
		}
	}
	return values
}

// Update persists the recognized subset of updates to the .env file and the
// process environment. Unknown keys are dropped; the count of applied keys is
// returned.
func (s *Store) Update(updates map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := make(map[string]string)
	for key, value := range updates {
		if _, ok := s.keys[key]; ok {
			applied[key] = value
		}
	}
	if len(applied) == 0 {
		return 0, nil
	}

	var lines []string
	keyIndex := make(map[string]int)
	if data, err := os.ReadFile(s.path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if eq := strings.Index(trimmed, "="); eq > 0 {
				keyIndex[strings.TrimSpace(trimmed[:eq])] = i
			}
		}
	}

	// Deterministic order for appended keys.
	newKeys := make([]string, 0, len(applied))
	for key := range applied {
		if _, exists := keyIndex[key]; !exists {
			newKeys = append(newKeys, key)
		}
	}
	sort.Strings(newKeys)

	for key, value := range applied {
		line := key + "=" + formatEnvValue(value)
		if i, exists := keyIndex[key]; exists {
			lines[i] = line
		}
	}
	for _, key := range newKeys {
		lines = append(lines, key+"="+formatEnvValue(applied[key]))
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(s.path, []byte(content), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", s.path, err)
	}

	// Keep the running process in sync so Settings reloads see new values.
	for key, value := range applied {
		_ = os.Setenv(key, value)
	}
	return len(applied), nil
}

func (s *Store) readFile() map[string]string {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return values
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		values[key] = unquoteEnvValue(strings.TrimSpace(trimmed[eq+1:]))
	}
	return values
}

// formatEnvValue quotes values that contain whitespace or '#'.
func formatEnvValue(v string) string {
	if v == "" {
		return ""
	}
	if strings.ContainsAny(v, " \t\n#") {
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return v
}

func unquoteEnvValue(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		inner := v[1 : len(v)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return v
}
