// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	SystemPrompt string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// OpenAI streams chat completions from an OpenAI-compatible API.
//
// The API key is sealed in a memguard enclave at construction and only
// decrypted while a request client is being built.
type OpenAI struct {
	key    *memguard.Enclave
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAI seals cfg.APIKey and returns the provider. The key string in cfg
// is cleared from the returned provider's copy.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enclave := memguard.NewEnclave([]byte(cfg.APIKey))
	cfg.APIKey = ""
	return &OpenAI{key: enclave, cfg: cfg, logger: logger}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) client() (*openai.Client, error) {
	buf, err := o.key.Open()
	if err != nil {
		return nil, fmt.Errorf("openai: open key enclave: %w", err)
	}
	defer buf.Destroy()

	config := openai.DefaultConfig(buf.String())
	if o.cfg.BaseURL != "" {
		config.BaseURL = o.cfg.BaseURL
	}
	if o.cfg.HTTPClient != nil {
		config.HTTPClient = o.cfg.HTTPClient
	}
	return openai.NewClientWithConfig(config), nil
}

func (o *OpenAI) Stream(ctx context.Context, req Request, emit func(string) error) (*chat.Usage, error) {
	client, err := o.client()
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.cfg.SystemPrompt})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == chat.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Temperature:   float32(req.Temperature),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		o.logger.Error("OpenAI stream request failed", "model", model, "error", err)
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	var usage *chat.Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return nil, fmt.Errorf("openai: receive: %w", err)
		}
		if resp.Usage != nil {
			usage = &chat.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := emit(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
	}
}
