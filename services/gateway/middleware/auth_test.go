// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/graphite/pkg/extensions"
)

type brokenProvider struct{}

func (brokenProvider) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return nil, errors.New("identity service down")
}

func authRouter(p extensions.AuthProvider) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Auth(p, nil))
	r.GET("/", func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.String(http.StatusOK, "")
			return
		}
		c.String(http.StatusOK, info.Subject)
	})
	return r
}

func TestAuth(t *testing.T) {
	tokens := extensions.NewStaticTokens("secret-1", "secret-2")
	tests := []struct {
		name     string
		provider extensions.AuthProvider
		header   string
		status   int
		body     string
	}{
		{"nop allows anonymous", extensions.NopAuthProvider{}, "", http.StatusOK, extensions.LocalSubject},
		{"valid token", tokens, "Bearer secret-2", http.StatusOK, "token-2"},
		{"scheme is case insensitive", tokens, "bearer secret-1", http.StatusOK, "token-1"},
		{"missing header", tokens, "", http.StatusUnauthorized, `"unauthorized"`},
		{"wrong token", tokens, "Bearer nope", http.StatusUnauthorized, `"unauthorized"`},
		{"basic scheme", tokens, "Basic secret-1", http.StatusUnauthorized, `"unauthorized"`},
		{"provider failure", brokenProvider{}, "Bearer x", http.StatusUnauthorized, `"authentication failed"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authRouter(tt.provider).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
			if tt.status == http.StatusUnauthorized {
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
				assert.Contains(t, w.Body.String(), w.Header().Get(RequestIDHeader))
			}
		})
	}
}
