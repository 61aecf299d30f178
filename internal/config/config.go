// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/rigrun-explain/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultAPIURL is the chat completions endpoint used when none is set.
	DefaultAPIURL = "https://api.openai.com/v1/chat/completions"

	// DefaultModel is the model requested when none is set.
	DefaultModel = "gpt-3.5-turbo"

	// DefaultTemperature is the sampling temperature used when none is set.
	DefaultTemperature = 0.7

	// DefaultMaxTokens caps the completion length when none is set.
	DefaultMaxTokens = 2000

	// DefaultSystemPrompt is the system turn of every new session.
	DefaultSystemPrompt = "你是一个专业的助手，帮助用户理解和解释文本内容。"

	// DefaultUserPrompt is the first user turn template.
	DefaultUserPrompt = "请解释以下内容：\n\n{selectedText}"

	// SelectedTextPlaceholder is substituted into the user prompt template.
	SelectedTextPlaceholder = "{selectedText}"

	configDirName = ".rigrun-explain"
)

// ErrMissingCredentials is returned by CheckCredentials when the API key or
// the endpoint is not configured.
var ErrMissingCredentials = errors.New("api key and api url must be configured")

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-explain configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	API      APIConfig      `toml:"api" json:"api"`
	Features FeaturesConfig `toml:"features" json:"features"`
	Prompts  PromptsConfig  `toml:"prompts" json:"prompts"`
	Sidebar  SidebarConfig  `toml:"sidebar" json:"sidebar"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
}

// APIConfig holds the OpenAI-compatible endpoint settings.
type APIConfig struct {
	Key         string  `toml:"key" json:"apiKey"`
	URL         string  `toml:"url" json:"apiUrl"`
	Model       string  `toml:"model" json:"model"`
	Temperature float64 `toml:"temperature" json:"temperature"`
	MaxTokens   int     `toml:"max_tokens" json:"maxTokens"`
}

// FeaturesConfig holds the behaviour toggles.
type FeaturesConfig struct {
	// Stream selects the SSE relay over the single-shot completion call.
	Stream bool `toml:"stream" json:"enableStream"`

	// Reasoning adds reasoning_effort=high to requests.
	Reasoning bool `toml:"reasoning" json:"enableReasoning"`

	// OnlineSearch advertises the online_search tool on the first request
	// of a session.
	OnlineSearch bool `toml:"online_search" json:"enableOnlineSearch"`

	AutoScroll bool `toml:"auto_scroll" json:"enableAutoScroll"`
	DebugLog   bool `toml:"debug_log" json:"enableDebugLog"`

	// ConfirmSelection holds a new selection until the user confirms the
	// prompt instead of explaining it immediately.
	ConfirmSelection bool `toml:"confirm_selection" json:"confirmSelection"`
}

// PromptsConfig holds the prompt templates.
type PromptsConfig struct {
	System string `toml:"system" json:"systemPrompt"`
	User   string `toml:"user" json:"userPrompt"`
}

// SidebarConfig tunes the sidebar surface.
type SidebarConfig struct {
	// SettleDelayMs is how long to wait after injecting a sidebar before
	// delivering to it.
	SettleDelayMs int `toml:"settle_delay_ms" json:"settleDelayMs"`

	// ProbeTimeoutMs bounds the readiness ping.
	ProbeTimeoutMs int `toml:"probe_timeout_ms" json:"probeTimeoutMs"`

	// ScrollThresholdPx is the distance from the bottom within which the
	// view keeps following new content.
	ScrollThresholdPx int `toml:"scroll_threshold_px" json:"scrollThresholdPx"`

	// RenderIntervalMs is the minimum spacing between intermediate renders.
	// Zero renders every delta.
	RenderIntervalMs int `toml:"render_interval_ms" json:"renderIntervalMs"`
}

// StorageConfig holds file locations. Empty values resolve under the config
// directory.
type StorageConfig struct {
	TranscriptDB string `toml:"transcript_db" json:"transcriptDb"`
	LogFile      string `toml:"log_file" json:"logFile"`
}

// Default returns a new Config with default values.
func Default() *Config {
	return &Config{
		Version: "1.0",
		API: APIConfig{
			URL:         DefaultAPIURL,
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
		},
		Features: FeaturesConfig{
			Stream:     true,
			AutoScroll: true,
		},
		Prompts: PromptsConfig{
			System: DefaultSystemPrompt,
			User:   DefaultUserPrompt,
		},
		Sidebar: SidebarConfig{
			SettleDelayMs:     100,
			ProbeTimeoutMs:    500,
			ScrollThresholdPx: 50,
			RenderIntervalMs:  0,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-explain configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultPath returns the config file that Load would read: the TOML file,
// or the JSON file when only that one exists.
func DefaultPath() (string, error) {
	tomlPath, err := ConfigPathTOML()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath, err := ConfigPathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default location, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from path. The format is chosen by
// extension (.json, otherwise TOML). A missing file yields the defaults.
// CONFIG: Comprehensive validation ensures safe configuration
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if strings.HasSuffix(path, ".json") {
			if err := LoadJSON(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
			}
		} else if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills zero values with defaults. Temperature 0 and max tokens
// 0 are treated as unset, as the extension did.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.API.URL == "" {
		c.API.URL = d.API.URL
	}
	if c.API.Model == "" {
		c.API.Model = d.API.Model
	}
	if c.API.Temperature == 0 {
		c.API.Temperature = d.API.Temperature
	}
	if c.API.MaxTokens == 0 {
		c.API.MaxTokens = d.API.MaxTokens
	}
	if strings.TrimSpace(c.Prompts.System) == "" {
		c.Prompts.System = d.Prompts.System
	}
	if strings.TrimSpace(c.Prompts.User) == "" {
		c.Prompts.User = d.Prompts.User
	}
	if c.Sidebar.SettleDelayMs <= 0 {
		c.Sidebar.SettleDelayMs = d.Sidebar.SettleDelayMs
	}
	if c.Sidebar.ProbeTimeoutMs <= 0 {
		c.Sidebar.ProbeTimeoutMs = d.Sidebar.ProbeTimeoutMs
	}
	if c.Sidebar.ScrollThresholdPx <= 0 {
		c.Sidebar.ScrollThresholdPx = d.Sidebar.ScrollThresholdPx
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path, choosing the format by extension.
func Save(cfg *Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		return SaveJSON(cfg, path)
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Written with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# rigrun-explain configuration file\n")
	buf.WriteString("# Generated by rigrun-explain - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.API.URL != "" {
		u, err := url.Parse(c.API.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "api.url",
				Message: fmt.Sprintf("invalid URL '%s', must be an http(s) URL", c.API.URL),
			})
		}
	}
	if c.API.Temperature < 0 || c.API.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "api.temperature",
			Message: fmt.Sprintf("temperature %.2f out of range, must be between 0 and 2", c.API.Temperature),
		})
	}
	if c.API.MaxTokens < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.max_tokens",
			Message: fmt.Sprintf("max tokens %d must be positive", c.API.MaxTokens),
		})
	}
	if c.Sidebar.RenderIntervalMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "sidebar.render_interval_ms",
			Message: "render interval cannot be negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// CheckCredentials reports ErrMissingCredentials unless both the API key and
// the endpoint are set.
func (c *Config) CheckCredentials() error {
	if strings.TrimSpace(c.API.Key) == "" || strings.TrimSpace(c.API.URL) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// ExpandUserPrompt substitutes the selection into the user prompt template.
// Only the first placeholder is replaced.
func (c *Config) ExpandUserPrompt(selected string) string {
	tmpl := c.Prompts.User
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultUserPrompt
	}
	return ExpandPrompt(tmpl, selected)
}

// ExpandPrompt replaces the first {selectedText} in tmpl with selected.
func ExpandPrompt(tmpl, selected string) string {
	return strings.Replace(tmpl, SelectedTextPlaceholder, selected, 1)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
//   - EXPLAIN_API_KEY: overrides api.key
//   - EXPLAIN_API_URL: overrides api.url
//   - EXPLAIN_MODEL: overrides api.model
//   - EXPLAIN_DEBUG: overrides features.debug_log
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("EXPLAIN_API_KEY"); key != "" {
		c.API.Key = key
	}
	if u := os.Getenv("EXPLAIN_API_URL"); u != "" {
		c.API.URL = u
	}
	if model := os.Getenv("EXPLAIN_MODEL"); model != "" {
		c.API.Model = model
	}
	if debug := os.Getenv("EXPLAIN_DEBUG"); debug != "" {
		c.Features.DebugLog = debug == "1" || strings.EqualFold(debug, "true")
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// legacyKeys maps the extension's flat storage keys onto dot notation.
var legacyKeys = map[string]string{
	"apiKey":             "api.key",
	"apiUrl":             "api.url",
	"model":              "api.model",
	"temperature":        "api.temperature",
	"maxTokens":          "api.max_tokens",
	"enableStream":       "features.stream",
	"enableReasoning":    "features.reasoning",
	"enableOnlineSearch": "features.online_search",
	"enableAutoScroll":   "features.auto_scroll",
	"enableDebugLog":     "features.debug_log",
	"confirmSelection":   "features.confirm_selection",
	"systemPrompt":       "prompts.system",
	"userPrompt":         "prompts.user",
}

func resolveKey(key string) string {
	if mapped, ok := legacyKeys[key]; ok {
		return mapped
	}
	return key
}

// Get retrieves a configuration value using dot notation (e.g.
// "api.model") or a legacy flat key (e.g. "apiKey").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(resolveKey(key))
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation or a legacy flat key.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(resolveKey(key))
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strings.ToLower(strVal))
			if err != nil {
				boolVal = strings.EqualFold(strVal, "yes") || strings.EqualFold(strVal, "on")
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every settable key in dot notation, sorted.
func Keys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(Config{}), "", &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("toml"), ",")[0]
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		if f.Type.Kind() == reflect.Struct {
			collectKeys(f.Type, prefix+name+".", out)
			continue
		}
		*out = append(*out, prefix+name)
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts the API key so it never reaches logs.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.API.Key != "" {
		safe.API.Key = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
