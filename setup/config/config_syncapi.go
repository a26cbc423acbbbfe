// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
	"time"
)

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// The sync engine database stores the change streams that sync
	// responses are built from.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Header to read the real client IP from when behind a reverse proxy.
	RealIPHeader string `yaml:"real_ip_header"`

	// Filter compilation and evaluation caches.
	Filters FilterCache `yaml:"filters"`

	// How many notifications a session may have queued before its
	// sources block.
	MailboxSize int `yaml:"mailbox_size"`

	// Long-poll timeout used when a client does not ask for one, and the
	// longest timeout a client may ask for.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`

	// Timeline events returned per room when the filter sets no limit.
	DefaultTimelineLimit int `yaml:"default_timeline_limit"`

	// Interval between keep-alives on streaming connections.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Filters.Defaults()
	c.MailboxSize = 32
	c.DefaultTimeout = 0
	c.MaxTimeout = 5 * time.Minute
	c.DefaultTimelineLimit = 20
	c.KeepAliveInterval = 30 * time.Second
	c.RateLimiting.Defaults()
	if opts.DatabaseConnectionStr != "" {
		c.Database.ConnectionString = opts.DatabaseConnectionStr
	}
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	c.Filters.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
	checkPositive(configErrs, "sync_api.mailbox_size", int64(c.MailboxSize))
	if c.MailboxSize == 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "sync_api.mailbox_size", c.MailboxSize))
	}
	checkPositive(configErrs, "sync_api.default_timeout", int64(c.DefaultTimeout))
	checkPositive(configErrs, "sync_api.max_timeout", int64(c.MaxTimeout))
	if c.DefaultTimeout > c.MaxTimeout {
		configErrs.Add("sync_api.default_timeout must not be larger than sync_api.max_timeout")
	}
	checkPositive(configErrs, "sync_api.default_timeline_limit", int64(c.DefaultTimelineLimit))
	if c.KeepAliveInterval <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "sync_api.keep_alive_interval", c.KeepAliveInterval))
	}
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database.connection_string", string(c.Database.ConnectionString))
	}
}

// DatabaseOptions returns the sync database options, falling back to the
// global ones.
func (c *SyncAPI) DatabaseOptions() DatabaseOptions {
	if c.Database.ConnectionString == "" && c.Matrix != nil {
		return c.Matrix.DatabaseOptions
	}
	return c.Database
}

// FilterCache sizes the filter caches. Sizes are entry counts.
type FilterCache struct {
	MaxCompiledFilters int64         `yaml:"max_compiled_filters"`
	MaxCachedResults   int64         `yaml:"max_cached_results"`
	ResultMaxAge       time.Duration `yaml:"result_max_age"`
	// How long filters looked up by ID are remembered.
	FilterIDMaxAge time.Duration `yaml:"filter_id_max_age"`
	// Whether to export cache metrics.
	EnablePrometheus bool `yaml:"enable_prometheus"`
}

func (c *FilterCache) Defaults() {
	c.MaxCompiledFilters = 1000
	c.MaxCachedResults = 5000
	c.ResultMaxAge = 5 * time.Minute
	c.FilterIDMaxAge = time.Hour
	c.EnablePrometheus = true
}

func (c *FilterCache) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync_api.filters.max_compiled_filters", c.MaxCompiledFilters)
	checkPositive(configErrs, "sync_api.filters.max_cached_results", c.MaxCachedResults)
	checkPositive(configErrs, "sync_api.filters.result_max_age", int64(c.ResultMaxAge))
	checkPositive(configErrs, "sync_api.filters.filter_id_max_age", int64(c.FilterIDMaxAge))
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a user can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. if you want
	// to run bots that sync aggressively.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"sync_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
				"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
		)
	}

	for name, override := range r.PerEndpointOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(
				fmt.Sprintf("sync_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
			)
		}
	}

	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "sync_api.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	// Disabled unless explicitly turned on.
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}
