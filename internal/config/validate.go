package config

import (
	"fmt"
	"strings"

	"github.com/flowlink-rmm/hub/internal/logging"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

var validEnvironments = map[string]bool{
	"production":  true,
	"development": true,
}

// ValidationResult splits validation problems into Fatals, which abort
// startup, and Warnings, which are logged and auto-corrected in place.
type ValidationResult struct {
	Warnings []error
	Fatals   []error
}

// HasFatals reports whether any fatal errors were recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that want
// a single combined view.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks Config for invalid values. Dangerous zero/out-
// of-range values that would destabilize the Hub are clamped to a safe
// default and recorded as warnings; structurally invalid configuration
// (empty listen address, mismatched TLS pair) is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ListenAddr == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr must not be empty"))
	}

	if c.Environment != "" && !validEnvironments[strings.ToLower(c.Environment)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("environment %q is not recognized, treating as production", c.Environment))
		c.Environment = "production"
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert_file and tls_key_file must both be set or both be empty"))
	}

	if c.SessionTTLSeconds < 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("session_ttl_seconds %d is below minimum 60, clamping", c.SessionTTLSeconds))
		c.SessionTTLSeconds = 60
	} else if c.SessionTTLSeconds > 86400 {
		r.Warnings = append(r.Warnings, fmt.Errorf("session_ttl_seconds %d exceeds maximum 86400, clamping", c.SessionTTLSeconds))
		c.SessionTTLSeconds = 86400
	}

	if c.GracePeriodSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("grace_period_seconds %d is below minimum 1, clamping", c.GracePeriodSeconds))
		c.GracePeriodSeconds = 1
	} else if c.GracePeriodSeconds > 600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("grace_period_seconds %d exceeds maximum 600, clamping", c.GracePeriodSeconds))
		c.GracePeriodSeconds = 600
	}

	if c.SweepIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("sweep_interval_seconds %d is below minimum 1, clamping", c.SweepIntervalSeconds))
		c.SweepIntervalSeconds = 1
	} else if c.SweepIntervalSeconds > 3600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("sweep_interval_seconds %d exceeds maximum 3600, clamping", c.SweepIntervalSeconds))
		c.SweepIntervalSeconds = 3600
	}

	if c.MaxMessageBytes <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_message_bytes %d is invalid, using default 65536", c.MaxMessageBytes))
		c.MaxMessageBytes = 64 * 1024
	}

	if c.OutboundQueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("outbound_queue_size %d is below minimum 1, clamping", c.OutboundQueueSize))
		c.OutboundQueueSize = 1
	} else if c.OutboundQueueSize > 10000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("outbound_queue_size %d exceeds maximum 10000, clamping", c.OutboundQueueSize))
		c.OutboundQueueSize = 10000
	}

	if c.InboundRateLimit <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("inbound_rate_limit %v is invalid, using default 20", c.InboundRateLimit))
		c.InboundRateLimit = 20
	}

	if c.InboundBurst < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("inbound_burst %d is below minimum 1, clamping", c.InboundBurst))
		c.InboundBurst = 1
	}

	if c.DeliveryWorkers < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("delivery_workers %d is below minimum 1, clamping", c.DeliveryWorkers))
		c.DeliveryWorkers = 1
	}

	if c.DeliveryQueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("delivery_queue_size %d is below minimum 1, clamping", c.DeliveryQueueSize))
		c.DeliveryQueueSize = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}
