package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".tellerline"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("TELLERLINE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("TELLERLINE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load reads the config file, overlays environment variables and fills in
// defaults for anything left unset.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Secrets kept in ~/.tellerline/env (or TELLERLINE_ENV_FILE) count as
	// process env for the overlay below.
	LoadEnvFiles()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// envFilePaths lists the env files Load reads, most specific first.
func envFilePaths() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv("TELLERLINE_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ConfigDir, "env"))
	}
	return paths
}

// LoadEnvFiles exports the service's variables from the env files. Only
// TELLERLINE_* keys and the model API key fallback are taken; variables
// already set in the process win.
func LoadEnvFiles() {
	for _, p := range envFilePaths() {
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return err
	}
	for key, val := range vars {
		if !strings.HasPrefix(key, "TELLERLINE_") && key != "OPENAI_API_KEY" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set %s from %s: %w", key, path, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	envconfig.Process("TELLERLINE_PATHS", &cfg.Paths)
	envconfig.Process("TELLERLINE_GATEWAY", &cfg.Gateway)
	envconfig.Process("TELLERLINE_AUTH", &cfg.Auth)
	envconfig.Process("TELLERLINE_REPLIES", &cfg.Replies)
	envconfig.Process("TELLERLINE_REPLIES", &cfg.Replies.MaxChars)
	envconfig.Process("TELLERLINE_PERMISSIONS", &cfg.Permissions)
	envconfig.Process("TELLERLINE_SUPPORT", &cfg.Support)
	envconfig.Process("TELLERLINE_CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp)
	envconfig.Process("TELLERLINE_CHANNELS_VOICE", &cfg.Channels.Voice)
	envconfig.Process("TELLERLINE_CHANNELS_EMAIL", &cfg.Channels.Email)
	envconfig.Process("TELLERLINE_ESCALATION", &cfg.Escalation)
	envconfig.Process("TELLERLINE_AUDIT", &cfg.Audit)
	envconfig.Process("TELLERLINE_INBOUND", &cfg.Inbound)
	envconfig.Process("TELLERLINE_BANKING", &cfg.Banking)
	envconfig.Process("TELLERLINE_MODEL", &cfg.Model)
	envconfig.Process("TELLERLINE_DELIVERY", &cfg.Delivery)
	envconfig.Process("TELLERLINE_TIMEOUTS", &cfg.Timeouts)

	// Fallback for API Key
	if cfg.Model.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Model.APIKey = key
		}
	}
}

func normalize(cfg *Config) {
	def := DefaultConfig()

	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Paths.TimelineDB)
	expandHome(&cfg.Channels.WhatsApp.SessionDB)
	expandHome(&cfg.Channels.WhatsApp.QRPath)
	if cfg.Paths.TimelineDB == "" {
		cfg.Paths.TimelineDB = filepath.Join(cfg.Paths.DataDir, "timeline.db")
	}
	if cfg.Channels.WhatsApp.SessionDB == "" {
		cfg.Channels.WhatsApp.SessionDB = filepath.Join(cfg.Paths.DataDir, "whatsapp.db")
	}
	if cfg.Channels.WhatsApp.QRPath == "" {
		cfg.Channels.WhatsApp.QRPath = filepath.Join(cfg.Paths.DataDir, "whatsapp-qr.png")
	}

	if cfg.Auth.SessionTTLMinutes <= 0 {
		cfg.Auth.SessionTTLMinutes = def.Auth.SessionTTLMinutes
	}
	if cfg.Auth.CodeTTLMinutes <= 0 {
		cfg.Auth.CodeTTLMinutes = def.Auth.CodeTTLMinutes
	}
	if cfg.Auth.MaxOTPAttempts <= 0 {
		cfg.Auth.MaxOTPAttempts = def.Auth.MaxOTPAttempts
	}
	if cfg.Auth.MaxKBAAttempts <= 0 {
		cfg.Auth.MaxKBAAttempts = def.Auth.MaxKBAAttempts
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Auth.CodeDelivery)) {
	case "email":
		cfg.Auth.CodeDelivery = "email"
	default:
		cfg.Auth.CodeDelivery = "log"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Auth.Backend)) {
	case "redis":
		cfg.Auth.Backend = "redis"
	default:
		cfg.Auth.Backend = "sqlite"
	}

	// The recent-message window is bounded to ten prior messages.
	if cfg.Replies.RecentWindow <= 0 || cfg.Replies.RecentWindow > 10 {
		cfg.Replies.RecentWindow = 10
	}
	if cfg.Replies.MaxChars.WhatsApp <= 0 {
		cfg.Replies.MaxChars.WhatsApp = def.Replies.MaxChars.WhatsApp
	}
	if cfg.Replies.MaxChars.Voice <= 0 {
		cfg.Replies.MaxChars.Voice = def.Replies.MaxChars.Voice
	}
	if cfg.Replies.MaxChars.Email <= 0 {
		cfg.Replies.MaxChars.Email = def.Replies.MaxChars.Email
	}
	if strings.TrimSpace(cfg.Replies.RedactionMarker) == "" {
		cfg.Replies.RedactionMarker = def.Replies.RedactionMarker
	}
	if strings.TrimSpace(cfg.Support.HumanLine) == "" {
		cfg.Support.HumanLine = def.Support.HumanLine
	}
	if cfg.Gateway.Workers <= 0 {
		cfg.Gateway.Workers = def.Gateway.Workers
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = def.Delivery.MaxAttempts
	}
	if cfg.Delivery.IntervalSeconds <= 0 {
		cfg.Delivery.IntervalSeconds = def.Delivery.IntervalSeconds
	}
	if cfg.Timeouts.StageSeconds <= 0 {
		cfg.Timeouts.StageSeconds = def.Timeouts.StageSeconds
	}
	if cfg.Timeouts.CompletionSeconds <= 0 {
		cfg.Timeouts.CompletionSeconds = def.Timeouts.CompletionSeconds
	}
	if cfg.Timeouts.SendSeconds <= 0 {
		cfg.Timeouts.SendSeconds = def.Timeouts.SendSeconds
	}
	if strings.TrimSpace(cfg.Banking.Currency) == "" {
		cfg.Banking.Currency = def.Banking.Currency
	}
}

// Save writes the config back to its file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

// substituteEnvValues replaces ${VAR} references in string values.
func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
