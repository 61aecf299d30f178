// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir        string
	configPath string
	requests   atomic.Int32
}

func sseFrame(text string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []interface{}{map[string]interface{}{"delta": map[string]interface{}{"content": text}}},
	})
	return "data: " + string(b) + "\n\n"
}

// newTestEnv writes a config pointing at an endpoint that streams
// "Hel" + "lo" for streaming requests and answers "测试成功" otherwise.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.requests.Add(1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sseFrame("Hel"))
			fmt.Fprint(w, sseFrame("lo"))
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":" 测试成功 "}}]}`)
	}))
	t.Cleanup(srv.Close)

	env.configPath = filepath.Join(env.dir, "config.toml")
	content := fmt.Sprintf(`[api]
key = "sk-test-1234"
url = %q

[sidebar]
probe_timeout_ms = 50
settle_delay_ms = 10

[storage]
transcript_db = %q
log_file = %q
`, srv.URL, filepath.Join(env.dir, "transcripts.db"), filepath.Join(env.dir, "explain.log"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0600))
	return env
}

func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestExplain_PrintsStreamedAnswer(t *testing.T) {
	env := newTestEnv(t)
	htmlPath := filepath.Join(env.dir, "sidebar.html")

	out, err := env.run(t, "", "explain", "--no-follow-up", "--html-out", htmlPath, "TCP", "handshake")
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", out)

	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "TCP handshake")
	assert.Contains(t, string(html), "ai-message-done")

	out, err = env.run(t, "", "transcripts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TCP handshake")
}

func TestExplain_RootReadsStdin(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "selected from a pipe\n", "--no-follow-up")
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", out)
}

func TestExplain_NoSelection(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "   \n", "explain")
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Zero(t, env.requests.Load())
}

func TestExplain_RestrictedPage(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "explain", "--url", "chrome://settings", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "无法在此页面使用")
	assert.Zero(t, env.requests.Load())
}

func TestExplain_MissingCredentials(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "config", "set", "api.key", "")
	require.NoError(t, err)

	_, err = env.run(t, "", "explain", "--no-follow-up", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "请先在插件设置中配置")
	assert.Zero(t, env.requests.Load())
}

func TestConfig_SetGetShow(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "config", "set", "api.model", "gpt-4o")
	require.NoError(t, err)
	out, err := env.run(t, "", "config", "get", "api.model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o\n", out)

	out, err = env.run(t, "", "config", "get", "apiKey")
	require.NoError(t, err)
	assert.Equal(t, "****1234\n", out)

	out, err = env.run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-test-1234")

	_, err = env.run(t, "", "config", "set", "nope.key", "1")
	assert.Error(t, err)

	out, err = env.run(t, "", "config", "path")
	require.NoError(t, err)
	assert.Equal(t, env.configPath+"\n", out)

	out, err = env.run(t, "", "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "features.online_search")
}

func TestTestCommand(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "", "test")
	require.NoError(t, err)
	assert.Contains(t, out, "测试成功")
	assert.EqualValues(t, 1, env.requests.Load())
}

func TestTranscripts_ShowAndDelete(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "explain", "--no-follow-up", "goroutine")
	require.NoError(t, err)

	out, err := env.run(t, "", "transcripts", "list")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.NotEmpty(t, fields)
	id := fields[0]

	out, err = env.run(t, "", "transcripts", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "https://example.com/")
	assert.Contains(t, out, "Hello")

	out, err = env.run(t, "", "transcripts", "export", id, "--format", "html", "--out", env.dir)
	require.NoError(t, err)
	exported := strings.TrimSpace(out)
	assert.True(t, strings.HasSuffix(exported, ".html"))
	html, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<p>Hello</p>")

	_, err = env.run(t, "", "transcripts", "delete", id)
	require.NoError(t, err)
	_, err = env.run(t, "", "transcripts", "show", id)
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", redact(""))
	assert.Equal(t, "****", redact("abc"))
	assert.Equal(t, "****wxyz", redact("sk-wxyz"))
}
