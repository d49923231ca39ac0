// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package provider produces assistant replies for the gateway.
package provider

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// ErrUnknownProvider is returned by Set.Get for an unconfigured name.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Request is one generation request.
type Request struct {
	Model       string
	Temperature float64
	Messages    []chat.WireMessage
}

// Provider streams a reply.
//
// Stream calls emit once per chunk, in order, from the calling goroutine.
// If emit returns an error the provider stops and returns that error.
// Stream must return promptly once ctx is done.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, emit func(delta string) error) (*chat.Usage, error)
}

// Set is a named collection of providers with a default.
type Set struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewSet builds a Set. The first provider added becomes the default until
// SetDefault is called.
func NewSet(providers ...Provider) *Set {
	s := &Set{providers: make(map[string]Provider)}
	for _, p := range providers {
		s.Add(p)
	}
	return s
}

func (s *Set) Add(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == "" {
		s.fallback = p.Name()
	}
	s.providers[p.Name()] = p
}

// SetDefault selects the provider used when a request names none.
func (s *Set) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[name]; !ok {
		return ErrUnknownProvider
	}
	s.fallback = name
	return nil
}

// Get returns the named provider, or the default for "".
func (s *Set) Get(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		name = s.fallback
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Names lists configured providers, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
