// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by AuthProvider.Validate for a missing or
// unknown token.
var ErrUnauthorized = errors.New("extensions: unauthorized")

// LocalSubject is the identity NopAuthProvider assigns to every caller.
const LocalSubject = "local-user"

// AuthInfo identifies an authenticated caller.
type AuthInfo struct {
	// Subject is a stable caller name used in audit events and as the
	// rate-limit key.
	Subject string
}

// AuthProvider validates a bearer token. The token is "" when the request
// carried none.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as LocalSubject.
type NopAuthProvider struct{}

func (NopAuthProvider) Validate(context.Context, string) (*AuthInfo, error) {
	return &AuthInfo{Subject: LocalSubject}, nil
}

// StaticTokens accepts a fixed set of API tokens. Tokens are kept as
// SHA-256 digests and compared in constant time.
type StaticTokens struct {
	digests [][sha256.Size]byte
}

// NewStaticTokens builds a provider from tokens. Empty tokens are ignored.
func NewStaticTokens(tokens ...string) *StaticTokens {
	p := &StaticTokens{}
	for _, t := range tokens {
		if t == "" {
			continue
		}
		p.digests = append(p.digests, sha256.Sum256([]byte(t)))
	}
	return p
}

// Len reports how many tokens are accepted.
func (p *StaticTokens) Len() int { return len(p.digests) }

// Validate names the caller "token-N" after the matching token's position,
// so audit logs never contain the token itself.
func (p *StaticTokens) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrUnauthorized
	}
	got := sha256.Sum256([]byte(token))
	match := -1
	for i, want := range p.digests {
		if subtle.ConstantTimeCompare(got[:], want[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{Subject: fmt.Sprintf("token-%d", match+1)}, nil
}
