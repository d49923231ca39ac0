// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the gateway's request and response bodies.
package datatypes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/graphite/pkg/chat"
)

const (
	// MaxMessageContentBytes bounds one message of history.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest bounds the history length.
	MaxMessagesPerRequest = 200

	// DefaultTemperature applies when a request omits temperature.
	DefaultTemperature = 0.2
)

// chatValidate is shared by every request type in this package.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// ChatMessage is one entry of a request's history.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatStreamRequest is the body of POST /api/chat/stream.
type ChatStreamRequest struct {
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,max=200,dive"`
	Provider    string        `json:"provider,omitempty" validate:"omitempty,max=64"`
	Model       string        `json:"model,omitempty" validate:"omitempty,max=128"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
}

// Validate checks the request and reports the first failing field in a
// form suitable for the client.
func (r *ChatStreamRequest) Validate() error {
	err := chatValidate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	f := verrs[0]
	field := strings.TrimPrefix(f.Namespace(), "ChatStreamRequest.")
	switch f.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "min":
		return fmt.Errorf("%s must contain at least %s item(s)", field, f.Param())
	case "oneof":
		return fmt.Errorf("%s must be one of [%s]", field, f.Param())
	case "maxbytes":
		return fmt.Errorf("%s exceeds %d bytes", field, MaxMessageContentBytes)
	default:
		return fmt.Errorf("%s failed %s=%s", field, f.Tag(), f.Param())
	}
}

// EffectiveTemperature returns the requested temperature or the default.
func (r *ChatStreamRequest) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// History converts the request messages to wire messages.
func (r *ChatStreamRequest) History() []chat.WireMessage {
	out := make([]chat.WireMessage, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = chat.WireMessage{Role: chat.Role(m.Role), Content: m.Content}
	}
	return out
}

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version,omitempty"`
	Providers []string `json:"providers,omitempty"`
	Archive   string   `json:"archive,omitempty"`
}
