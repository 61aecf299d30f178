// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package background

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/jeranaias/rigrun-explain/internal/config"
)

// TestPrompt is the message sent by a connection test.
const TestPrompt = `你好，请回复"测试成功"`

// ErrTestCredentials is returned by TestConnection when the form is
// incomplete.
var ErrTestCredentials = errors.New("请填写 API 密钥和接口地址")

// TestConnection sends one short non-streaming request with cfg and returns
// the model's reply. A nil httpClient uses the pooled client.
func TestConnection(ctx context.Context, cfg config.Config, httpClient *http.Client) (string, error) {
	if err := cfg.CheckCredentials(); err != nil {
		return "", ErrTestCredentials
	}
	client := cloud.NewClient(cfg.API.URL, cfg.API.Key)
	if httpClient != nil {
		client.WithHTTPClient(httpClient)
	}
	completion, err := client.Complete(ctx, cloud.ChatRequest{
		Model:       cfg.API.Model,
		Messages:    []cloud.ChatMessage{cloud.NewUserMessage(TestPrompt)},
		Temperature: cfg.API.Temperature,
		MaxTokens:   cfg.API.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Content), nil
}
