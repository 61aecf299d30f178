// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"EXPLAIN_API_KEY", "EXPLAIN_API_URL", "EXPLAIN_MODEL", "EXPLAIN_DEBUG"} {
		t.Setenv(key, "")
	}
}

func TestConfig_Default(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", cfg.API.URL)
	assert.Equal(t, "gpt-3.5-turbo", cfg.API.Model)
	assert.Equal(t, 0.7, cfg.API.Temperature)
	assert.Equal(t, 2000, cfg.API.MaxTokens)
	assert.True(t, cfg.Features.Stream)
	assert.True(t, cfg.Features.AutoScroll)
	assert.False(t, cfg.Features.Reasoning)
	assert.False(t, cfg.Features.OnlineSearch)
	assert.False(t, cfg.Features.DebugLog)
	assert.Equal(t, DefaultSystemPrompt, cfg.Prompts.System)
	assert.Equal(t, DefaultUserPrompt, cfg.Prompts.User)
	assert.Equal(t, 100, cfg.Sidebar.SettleDelayMs)
	assert.Equal(t, 50, cfg.Sidebar.ScrollThresholdPx)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_LoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().API, cfg.API)
}

func TestConfig_LoadTOMLKeepsUnsetDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[api]\nkey = \"sk-test\"\nmodel = \"deepseek-chat\"\n\n[features]\nreasoning = true\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.API.Key)
	assert.Equal(t, "deepseek-chat", cfg.API.Model)
	assert.Equal(t, DefaultAPIURL, cfg.API.URL)
	assert.True(t, cfg.Features.Reasoning)
	assert.True(t, cfg.Features.Stream, "stream stays on when the file does not mention it")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConfig_LoadJSONUsesExtensionKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"api":{"apiKey":"sk-json","apiUrl":"https://example.com/v1/chat/completions","temperature":1.2},"features":{"enableStream":false}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-json", cfg.API.Key)
	assert.Equal(t, 1.2, cfg.API.Temperature)
	assert.False(t, cfg.Features.Stream)
}

func TestConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPLAIN_API_KEY", "sk-env")
	t.Setenv("EXPLAIN_MODEL", "gpt-4o")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.API.Key)
	assert.Equal(t, "gpt-4o", cfg.API.Model)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{"valid", func(c *Config) {}, nil},
		{"bad scheme", func(c *Config) { c.API.URL = "ftp://example.com" }, []string{"api.url"}},
		{"no host", func(c *Config) { c.API.URL = "https://" }, []string{"api.url"}},
		{"temperature high", func(c *Config) { c.API.Temperature = 2.5 }, []string{"api.temperature"}},
		{"several", func(c *Config) {
			c.API.Temperature = -1
			c.API.MaxTokens = -5
		}, []string{"api.temperature", "api.max_tokens"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			var got []string
			for _, v := range verrs {
				got = append(got, v.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestConfig_CheckCredentials(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.CheckCredentials(), ErrMissingCredentials)

	cfg.API.Key = "sk-test"
	assert.NoError(t, cfg.CheckCredentials())

	cfg.API.URL = "  "
	assert.ErrorIs(t, cfg.CheckCredentials(), ErrMissingCredentials)
}

func TestConfig_ExpandUserPrompt(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "请解释以下内容：\n\nhello", cfg.ExpandUserPrompt("hello"))

	cfg.Prompts.User = "{selectedText} / {selectedText}"
	assert.Equal(t, "x / {selectedText}", cfg.ExpandUserPrompt("x"), "only the first placeholder is replaced")
}

func TestConfig_GetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("api.model", "gpt-4o-mini"))
	require.NoError(t, cfg.Set("apiKey", "sk-legacy"))
	require.NoError(t, cfg.Set("features.online_search", "true"))
	require.NoError(t, cfg.Set("maxTokens", "512"))
	require.NoError(t, cfg.Set("sidebar.settle_delay_ms", "250"))

	assert.Equal(t, "gpt-4o-mini", cfg.API.Model)
	assert.Equal(t, "sk-legacy", cfg.API.Key)
	assert.True(t, cfg.Features.OnlineSearch)
	assert.Equal(t, 512, cfg.API.MaxTokens)
	assert.Equal(t, 250, cfg.Sidebar.SettleDelayMs)

	v, err := cfg.Get("enableOnlineSearch")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	assert.Error(t, cfg.Set("api.nope", "x"))
	assert.Error(t, cfg.Set("api", "x"))
	assert.Error(t, cfg.Set("api.temperature", "warm"))
}

func TestConfig_Keys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "api.key")
	assert.Contains(t, keys, "features.online_search")
	assert.Contains(t, keys, "prompts.user")
	assert.NotContains(t, keys, "api")
}

func TestConfig_StringRedactsKey(t *testing.T) {
	cfg := Default()
	cfg.API.Key = "sk-secret"
	assert.NotContains(t, cfg.String(), "sk-secret")
	assert.Contains(t, cfg.String(), "[REDACTED]")
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"config.toml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			cfg.API.Key = "sk-roundtrip"
			cfg.Features.Stream = false
			require.NoError(t, Save(cfg, path))

			loaded, err := LoadFromPath(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestStore_UpdatePersistsAndNotifies(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	store, err := OpenStore(path)
	require.NoError(t, err)

	var seen []string
	store.OnChange(func(c Config) { seen = append(seen, c.API.Model) })

	require.NoError(t, store.Update(func(c *Config) error {
		return c.Set("model", "deepseek-reasoner")
	}))
	assert.Equal(t, "deepseek-reasoner", store.Get().API.Model)
	assert.Equal(t, []string{"deepseek-reasoner"}, seen)

	reloaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-reasoner", reloaded.API.Model)
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	clearEnv(t)
	store, err := OpenStore(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	err = store.Update(func(c *Config) error {
		c.API.Temperature = 9
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, DefaultTemperature, store.Get().API.Temperature)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.toml"), Default())
	cfg := store.Get()
	cfg.API.Model = "mutated"
	assert.Equal(t, DefaultModel, store.Get().API.Model)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	clearEnv(t)
	store, err := OpenStore(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Update(func(c *Config) error {
				c.API.MaxTokens++
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = store.Get()
		}()
	}
	wg.Wait()
	assert.Equal(t, DefaultMaxTokens+20, store.Get().API.MaxTokens)
}

func TestStore_WatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	store, err := OpenStore(path)
	require.NoError(t, err)
	store.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)

	edited := Default()
	edited.API.Model = "edited-on-disk"
	require.NoError(t, SaveTOML(edited, path))

	require.Eventually(t, func() bool {
		return store.Get().API.Model == "edited-on-disk"
	}, 3*time.Second, 20*time.Millisecond)
}
