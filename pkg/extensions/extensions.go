// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the gateway's pluggable policy hooks.
//
// Graphite ships working defaults for every hook: no authentication,
// no filtering and no audit trail. Deployments that need more inject their
// own implementations through Options:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewStaticTokens(tokens...)).
//	    WithFilter(extensions.NewRedactFilter()).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// Options groups the hooks handed to the gateway.
type Options struct {
	// Auth validates bearer tokens. Default: NopAuthProvider.
	Auth AuthProvider

	// Filter rewrites user messages before they reach a provider.
	// Default: NopMessageFilter.
	Filter MessageFilter

	// Audit records stream outcomes. Default: NopAuditLogger.
	Audit AuditLogger
}

// DefaultOptions returns Options with every hook set to its no-op.
func DefaultOptions() Options {
	return Options{
		Auth:   NopAuthProvider{},
		Filter: NopMessageFilter{},
		Audit:  NopAuditLogger{},
	}
}

// WithDefaults fills nil hooks with no-ops.
func (o Options) WithDefaults() Options {
	if o.Auth == nil {
		o.Auth = NopAuthProvider{}
	}
	if o.Filter == nil {
		o.Filter = NopMessageFilter{}
	}
	if o.Audit == nil {
		o.Audit = NopAuditLogger{}
	}
	return o
}

func (o Options) WithAuth(p AuthProvider) Options {
	o.Auth = p
	return o
}

func (o Options) WithFilter(f MessageFilter) Options {
	o.Filter = f
	return o
}

func (o Options) WithAudit(l AuditLogger) Options {
	o.Audit = l
	return o
}
