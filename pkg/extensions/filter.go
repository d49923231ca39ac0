// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"regexp"
)

// MessageFilter rewrites user content before it is sent to a provider.
type MessageFilter interface {
	FilterInput(ctx context.Context, content string) (FilterResult, error)
}

// FilterResult is the rewritten content and what was found in it.
type FilterResult struct {
	Content string

	// Redactions counts matches per detector name.
	Redactions map[string]int
}

// Redacted reports whether anything was replaced.
func (r FilterResult) Redacted() bool { return len(r.Redactions) > 0 }

// NopMessageFilter passes content through.
type NopMessageFilter struct{}

func (NopMessageFilter) FilterInput(_ context.Context, content string) (FilterResult, error) {
	return FilterResult{Content: content}, nil
}

// Detector is one named pattern for RedactFilter.
type Detector struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultDetectors finds e-mail addresses, common API key shapes and
// card-like digit runs.
func DefaultDetectors() []Detector {
	return []Detector{
		{Name: "email", Pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{Name: "api_key", Pattern: regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-]{16,}|AKIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{36,})\b`)},
		{Name: "card_number", Pattern: regexp.MustCompile(`\b\d(?:[ \-]?\d){12,15}\b`)},
	}
}

// RedactFilter replaces every detector match with "[REDACTED:<name>]".
type RedactFilter struct {
	detectors []Detector
}

// NewRedactFilter uses DefaultDetectors when none are given.
func NewRedactFilter(detectors ...Detector) *RedactFilter {
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	return &RedactFilter{detectors: detectors}
}

func (f *RedactFilter) FilterInput(ctx context.Context, content string) (FilterResult, error) {
	if err := ctx.Err(); err != nil {
		return FilterResult{}, err
	}
	result := FilterResult{Content: content}
	for _, d := range f.detectors {
		n := 0
		result.Content = d.Pattern.ReplaceAllStringFunc(result.Content, func(string) string {
			n++
			return "[REDACTED:" + d.Name + "]"
		})
		if n > 0 {
			if result.Redactions == nil {
				result.Redactions = make(map[string]int)
			}
			result.Redactions[d.Name] += n
		}
	}
	return result, nil
}
